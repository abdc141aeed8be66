package runtime

import (
	"context"
	"strings"

	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/internal/update"
)

const (
	statusProcessing = "processing"
	statusComplete   = "complete"
)

func (m *Manager) process(s submission) {
	ctx := m.ctx
	sid := s.sessionID

	m.notifier.SendStatus(sid, statusProcessing, "Processing your message...")
	if err := m.store.MarkSessionProcessing(ctx, sid); err != nil {
		logger.Warnf("[runtime] mark processing sid=%s: %v", sid, err)
	}
	defer func() {
		if err := m.store.MarkSessionActive(context.WithoutCancel(ctx), sid); err != nil {
			logger.Warnf("[runtime] mark active sid=%s: %v", sid, err)
		}
	}()

	updates, err := s.worker.Run(ctx, s.content)
	if err != nil {
		logger.Warnf("[runtime] submit sid=%s: %v", sid, err)
		m.notifier.SendError(sid, "Error processing message: "+err.Error())
		return
	}

	if reply := assistantReply(updates); reply != "" {
		_, err := m.store.CreateMessage(context.WithoutCancel(ctx), sid, "assistant", reply, map[string]any{
			"workerId": s.worker.ID(),
		})
		if err != nil {
			logger.Errorf("[runtime] persist reply sid=%s: %v", sid, err)
		} else {
			logger.Infof("[runtime] reply saved sid=%s bytes=%d", sid, len(reply))
		}
	}

	m.notifier.SendStatus(sid, statusComplete, "Message processing completed")
}

// assistantReply joins the text of Thinking and Complete updates.
func assistantReply(updates []update.Update) string {
	var parts []string
	for _, u := range updates {
		switch u.Kind() {
		case update.Thinking, update.Complete:
			if u.Content() != "" {
				parts = append(parts, u.Content())
			}
		}
	}
	return strings.Join(parts, "\n")
}
