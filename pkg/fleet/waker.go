package fleet

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/model"
)

// RunWakers subscribes to the per-class wake channels and nudges an idle
// session whenever work arrives, so dispatch latency is bounded by the
// publish rather than the next heartbeat. Blocks until the context ends.
func (m *Manager) RunWakers(ctx context.Context) {
	for _, hw := range model.HardwareClasses() {
		go m.runWaker(ctx, hw)
	}
	<-ctx.Done()
}

func (m *Manager) runWaker(ctx context.Context, hw model.HardwareClass) {
	sub := m.store.SubscribeWake(ctx, hw)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			log.Ctx(ctx).Trace().
				Str("Hardware", hw.String()).
				Str("JobID", msg.Payload).
				Msg("wake signal")
			// Any idle session of the class may take the job; losers of
			// the race simply find an empty queue.
			for _, sess := range m.sessionsForClass(hw) {
				if sess.Node().Status == model.NodeStatusIdle {
					m.tryDispatch(ctx, sess)
					break
				}
			}
		}
	}
}
