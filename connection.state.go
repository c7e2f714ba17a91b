package peerwire

import (
	"context"

	"github.com/james-lawrence/peerwire/bep0006"
	"github.com/james-lawrence/peerwire/btprotocol"
	"github.com/james-lawrence/peerwire/cstate"
	"github.com/james-lawrence/peerwire/internal/errorsx"
)

// establishing runs once the handshake completed and metadata is known:
// availability first, then our bitfield, allowed fast grants, suggestions and
// finally the initial requests.
func establishing(c *Connection) cstate.T {
	return connexinit(c, connexbitfield(c, connexallowedfast(c, connexsuggest(c, connexrequest(c, nil)))))
}

// connexinit materializes availability signals received before metadata and
// computes the pieces the peer may request while choked.
func connexinit(c *Connection, n cstate.T) cstate.T {
	return cstate.Fn(func(context.Context, *cstate.Shared) cstate.T {
		if !c.availability.known() {
			have, err := c.availability.init(c.t.layout.Pieces)
			c.t.picker.IncRefcount(have)
			if err != nil {
				return cstate.Failure(ProtocolViolation(err))
			}
		}

		if !c.handshake.Fast {
			return n
		}

		accept, err := bep0006.AllowedFastSet(c.Remote.Addr(), c.t.infohash, c.t.layout.Pieces, min(c.cfg.AllowedFastSetSize, c.t.layout.Pieces))
		if err != nil {
			return cstate.Warning(n, errorsx.Wrapf(err, "%s allowed fast set unavailable", c))
		}
		c.availability.SetAcceptFast(accept)

		return n
	})
}

// connexbitfield announces our pieces. superseeding hides them and offers
// pieces one at a time instead.
func connexbitfield(c *Connection, n cstate.T) cstate.T {
	return cstate.Fn(func(context.Context, *cstate.Shared) cstate.T {
		completed := c.t.picker.Completed()

		if c.t.superseeding() {
			if c.handshake.Fast {
				c.write(btprotocol.NewHaveNone())
			}

			for range 2 {
				next := c.t.pieceToSuperseed(c)
				if next < 0 {
					break
				}
				c.superseedPiece(-1, next)
			}

			return n
		}

		switch count := completed.GetCardinality(); {
		case c.handshake.Fast && count == 0:
			c.write(btprotocol.NewHaveNone())
		case c.handshake.Fast && count == uint64(c.t.layout.Pieces):
			c.write(btprotocol.NewHaveAll())
		case count > 0:
			c.write(btprotocol.NewBitField(uint64(c.t.layout.Pieces), completed))
		}

		return n
	})
}

func connexallowedfast(c *Connection, n cstate.T) cstate.T {
	return cstate.Fn(func(context.Context, *cstate.Shared) cstate.T {
		if !c.handshake.Fast || c.t.superseeding() {
			return n
		}

		for i := c.availability.acceptFast.Iterator(); i.HasNext(); {
			c.write(btprotocol.NewAllowedFast(i.Next()))
		}

		return n
	})
}

func connexsuggest(c *Connection, n cstate.T) cstate.T {
	return cstate.Fn(func(context.Context, *cstate.Shared) cstate.T {
		for _, piece := range c.t.suggestions() {
			c.Suggest(piece)
		}

		return n
	})
}

func connexrequest(c *Connection, n cstate.T) cstate.T {
	return cstate.Fn(func(context.Context, *cstate.Shared) cstate.T {
		c.updateInterest()
		c.t.requestBlocks(c)
		return n
	})
}
