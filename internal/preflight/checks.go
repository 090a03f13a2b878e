package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"

	"dtiqc/internal/dti"
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

// CheckTemplates verifies that the atlas template, labels, and label lookup
// are present and readable.
func CheckTemplates(dir string) Result {
	const name = "Atlas templates"
	if strings.TrimSpace(dir) == "" {
		return Result{Name: name, Detail: "tools.template_dir not configured"}
	}
	var missing []string
	for _, file := range []string{dti.TemplateFile, dti.TemplateLabelsFile, dti.LabelLookupFile} {
		path := filepath.Join(dir, file)
		if err := unix.Access(path, unix.R_OK); err != nil {
			missing = append(missing, file)
		}
	}
	if len(missing) > 0 {
		return Result{Name: name, Detail: fmt.Sprintf("%s (missing: %s)", dir, strings.Join(missing, ", "))}
	}
	return Result{Name: name, Passed: true, Detail: dir}
}

// CheckDatabase pings the processing log database.
func CheckDatabase(ctx context.Context, driver string, db Pinger) Result {
	name := "Database (" + driver + ")"
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(checkCtx); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("ping failed (%v)", err)}
	}
	return Result{Name: name, Passed: true, Detail: "reachable"}
}

// CheckRedis verifies the redis lock backend is reachable.
func CheckRedis(ctx context.Context, addr string, db int) Result {
	const name = "Redis"
	if strings.TrimSpace(addr) == "" {
		return Result{Name: name, Detail: "review.redis_addr not configured"}
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()
	if err := client.Ping(checkCtx).Err(); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (ping failed: %v)", addr, err)}
	}
	return Result{Name: name, Passed: true, Detail: addr}
}
