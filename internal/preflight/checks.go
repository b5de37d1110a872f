package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"stageguard/internal/config"
	"stageguard/internal/deps"
	"stageguard/internal/ratelimit"
	"stageguard/internal/status"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckDatabase verifies the status database is readable, migrated, and intact.
func CheckDatabase(ctx context.Context, store *status.Store) Result {
	const name = "Status database"

	health, err := store.CheckHealth(ctx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", health.DBPath, err)}
	}
	switch {
	case !health.DatabaseExists:
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", health.DBPath)}
	case !health.TableExists:
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: schema missing)", health.DBPath)}
	case len(health.MissingColumns) > 0:
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: missing columns %s)", health.DBPath, strings.Join(health.MissingColumns, ", "))}
	case !health.IntegrityCheck:
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: integrity check failed)", health.DBPath)}
	}
	return Result{
		Name:   name,
		Passed: true,
		Detail: fmt.Sprintf("%s (schema v%d, %d items)", health.DBPath, health.SchemaVersion, health.TotalItems),
	}
}

// CheckStageCommands verifies that the shell and the leading executable of
// every configured stage command resolve on PATH.
func CheckStageCommands(commands map[string]string) Result {
	result := Result{Name: "Stage commands"}
	statuses := deps.CheckBinaries(deps.StageRequirements(commands))
	var missing []string
	for _, st := range statuses {
		if !st.Available {
			missing = append(missing, fmt.Sprintf("%s (%s)", st.Name, st.Detail))
		}
	}
	if len(missing) > 0 {
		result.Detail = "missing: " + strings.Join(missing, ", ")
		return result
	}
	result.Passed = true
	result.Detail = fmt.Sprintf("%d executables found", len(statuses))
	return result
}

// CheckRedis verifies the shared limiter backend is reachable.
// It uses a 5-second timeout and a single attempt.
func CheckRedis(ctx context.Context, cfg config.Redis) Result {
	const name = "Redis"

	if strings.TrimSpace(cfg.URL) == "" {
		return Result{Name: name, Detail: "missing url"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := ratelimit.Connect(checkCtx, cfg)
	if err != nil {
		return Result{Name: name, Detail: summarizeRedisError(err)}
	}
	_ = client.Close()
	return Result{Name: name, Passed: true, Detail: "Reachable"}
}

func summarizeRedisError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "ping timed out (redis unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ping timed out (redis unreachable)"
	}
	return err.Error()
}
