package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/houseofcat/turbogeode/pkg/tgc"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// tgc-ping creates a pool from flags or a config file, lists the servers it can reach
// and sends a request through every pool.
func main() {

	configPath := flag.String("config", "", "pool config file (json), overrides the endpoint flags")
	locators := flag.String("locators", "", "comma separated locator host:port list")
	servers := flag.String("servers", "", "comma separated server host:port list")
	group := flag.String("group", "", "server group")
	minConns := flag.Int("min", 1, "min connections")
	maxConns := flag.Int("max", -1, "max connections, -1 is unbounded")
	payload := flag.String("payload", "ping", "request payload")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	config, err := loadConfig(*configPath, *locators, *servers, *group, *minConns, *maxConns)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	manager := tgc.NewPoolManager(logger)
	defer manager.Close(false)

	pools, err := manager.CreatePools(config)
	if err != nil {
		logger.Fatal("creating pools", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	failed := false
	for _, pool := range pools {
		if err := ping(ctx, pool, []byte(*payload)); err != nil {
			logger.Error("ping failed", zap.String("pool", pool.Name()), zap.Error(err))
			failed = true
		}
	}

	if failed {
		manager.Close(false)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func loadConfig(path, locators, servers, group string, minConns, maxConns int) (*tgc.GeodeSeasoning, error) {

	if path != "" {
		return tgc.ConvertJSONFileToConfig(path)
	}

	if locators == "" && servers == "" {
		return nil, errors.New("one of -config, -locators or -servers is required")
	}

	return &tgc.GeodeSeasoning{
		PoolConfigs: map[string]*tgc.PoolConfig{
			"default": {
				Locators:       splitList(locators),
				Servers:        splitList(servers),
				ServerGroup:    group,
				MinConnections: &minConns,
				MaxConnections: &maxConns,
			},
		},
	}, nil
}

func ping(ctx context.Context, pool *tgc.Pool, payload []byte) error {

	servers, err := pool.Servers(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(servers))
	for _, server := range servers {
		names = append(names, server.String())
	}
	fmt.Printf("%s: servers [%s]\n", pool.Name(), strings.Join(names, ", "))

	start := time.Now()
	reply, err := pool.Execute(ctx, payload)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d byte reply in %s\n", pool.Name(), len(reply), time.Since(start))

	var json = jsoniter.ConfigFastest
	stats, err := json.MarshalIndent(pool.Stats().Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", pool.Name(), stats)

	return nil
}

func splitList(list string) []string {

	var out []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}
