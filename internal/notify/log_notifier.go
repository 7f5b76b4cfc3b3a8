package notify

import (
	"context"
	"log/slog"

	"minbar/pkg/types"
)

// LogNotifier records notifications in the log instead of pushing them. It is
// the default until a push provider is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, followerIDs []string, info types.SessionInfo) error {
	n.logger.InfoContext(ctx, "broadcast started notification",
		"session_id", info.ID,
		"mosque_id", info.MosqueID,
		"recipients", len(followerIDs))
	return nil
}
