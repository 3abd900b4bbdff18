package main

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peerlink/internal/app/portal"
	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

const typeEntityUpdate core.MessageType = "entity/update"

const demoTick = 100 * time.Millisecond

type vec2 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// entitySnapshot is what the game loop would publish for its player entity.
type entitySnapshot struct {
	ClientID     domain.ClientID `json:"client_id"`
	Seq          uint64          `json:"seq"`
	Position     vec2            `json:"position"`
	Velocity     vec2            `json:"velocity"`
	Acceleration vec2            `json:"acceleration"`
}

// runDemo stands in for the simulation: it moves one entity in a circle,
// publishes its state every tick and logs the states that arrive.
func runDemo(ctx context.Context, p *portal.Portal) error {
	self, _ := p.Identity()
	ticker := time.NewTicker(demoTick)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-p.Fatal():
			return err
		case m := <-p.Inbound():
			if m.Type != typeEntityUpdate {
				log.Debug().Str("module", "demo").Str("type", string(m.Type)).Msg("ignoring message")
				continue
			}
			var snap entitySnapshot
			if err := m.Decode(&snap); err != nil {
				log.Warn().Str("module", "demo").Err(err).Msg("bad snapshot")
				continue
			}
			log.Debug().
				Str("module", "demo").
				Uint32("from", uint32(snap.ClientID)).
				Uint64("seq", snap.Seq).
				Float32("x", snap.Position.X).
				Float32("y", snap.Position.Y).
				Msg("remote entity")
		case <-ticker.C:
			seq++
			m, err := core.NewMessage(typeEntityUpdate, orbit(self.ClientID, seq))
			if err != nil {
				return err
			}
			select {
			case p.Outbound() <- m:
			default:
				log.Warn().Str("module", "demo").Uint64("seq", seq).Msg("outbound full, snapshot skipped")
			}
		}
	}
}

func orbit(id domain.ClientID, seq uint64) entitySnapshot {
	t := float64(seq) * demoTick.Seconds()
	sin, cos := math.Sincos(t)
	return entitySnapshot{
		ClientID:     id,
		Seq:          seq,
		Position:     vec2{X: float32(cos), Y: float32(sin)},
		Velocity:     vec2{X: float32(-sin), Y: float32(cos)},
		Acceleration: vec2{X: float32(-cos), Y: float32(-sin)},
	}
}
