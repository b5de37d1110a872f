package logging

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

const redacted = "[redacted]"

// newJSONHandler emits one object per line with ts/level/msg keys. Values of
// attributes whose key names a credential are replaced so a misplaced config
// dump cannot leak the Redis password into the serve log.
func newJSONHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   addSource,
		ReplaceAttr: replaceJSONAttr,
	})
}

func replaceJSONAttr(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) == 0 {
		switch attr.Key {
		case slog.TimeKey:
			if attr.Value.Kind() == slog.KindTime {
				return slog.String("ts", attr.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			attr.Key = "ts"
			return attr
		case slog.LevelKey:
			return slog.String("level", strings.ToLower(attr.Value.String()))
		case slog.SourceKey:
			if src, ok := attr.Value.Any().(*slog.Source); ok && src != nil {
				return slog.String("caller", fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
			}
			return attr
		}
	}
	if isSecretKey(attr.Key) && attr.Value.Kind() != slog.KindGroup {
		return slog.String(attr.Key, redacted)
	}
	return attr
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	if key == "token" || strings.HasSuffix(key, "_token") || strings.HasSuffix(key, "api_key") {
		return true
	}
	return strings.Contains(key, "password") || strings.Contains(key, "secret") || strings.Contains(key, "authorization")
}
