package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"virgo/internal/bundle"
	"virgo/internal/host"
	"virgo/internal/lifecycle"
)

// processTitle 是进程名与 sysv 服务名的默认值。
const processTitle = "virgo"

// main 是 virgo agent 的入口，退出码由 lifecycle.Main 决定。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := lifecycle.Main(ctx, os.Args[1:], processTitle, newRuntime)
	stop()
	os.Exit(code)
}

func newRuntime(*lifecycle.AgentContext) lifecycle.Runtime {
	return host.New(bundle.Bytes)
}
