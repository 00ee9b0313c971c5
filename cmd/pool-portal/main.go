// Pool Portal - multi-coin stratum mining pool portal
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/ipc"
	"github.com/tos-network/pool-portal/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	role := flag.String("role", string(ipc.RoleMaster), "Process role: master, worker, payments, server")
	forkID := flag.Int("fork", 0, "Fork id assigned by the supervisor")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Pool Portal v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch r := ipc.Role(*role); r {
	case ipc.RoleMaster:
		err = runMaster(ctx, *configPath)
	case ipc.RoleWorker, ipc.RolePayments, ipc.RoleServer:
		err = runChild(ctx, r, *forkID)
	default:
		err = fmt.Errorf("invalid role: %s", *role)
	}

	util.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func initLogger(cfg *config.Config) error {
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// runChild attaches to the supervisor and runs the bootstrap's role.
func runChild(ctx context.Context, role ipc.Role, forkID int) error {
	child, err := ipc.AttachStdio()
	if err != nil {
		return err
	}
	boot := child.Bootstrap
	if boot.Role != role || boot.ForkID != forkID {
		return fmt.Errorf("bootstrap is for %s fork %d, started as %s fork %d", boot.Role, boot.ForkID, role, forkID)
	}
	if err := initLogger(boot.Portal); err != nil {
		return err
	}

	switch role {
	case ipc.RoleWorker:
		return runWorker(ctx, child)
	case ipc.RolePayments:
		return runPayments(ctx, child)
	default:
		return runServer(ctx, child)
	}
}
