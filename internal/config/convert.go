package config

import (
	"github.com/danmuck/fts/internal/client"
	"github.com/danmuck/fts/internal/server"
	"github.com/danmuck/fts/internal/transfer"
)

func (c Config) TransferConfig() transfer.Config {
	return transfer.Config{
		Session:     c.Session,
		Policy:      c.Policy,
		DownloadDir: c.DownloadDir,
	}
}

func (c Config) ServerConfig() server.Config {
	return server.Config{
		ListenAddr:  c.Listen,
		MaxSessions: c.MaxSessions,
		QueueSize:   c.QueueSize,
		HistorySize: c.HistorySize,
		Transfer:    c.TransferConfig(),
	}
}

func (c Config) ClientOptions() client.Options {
	return client.Options{Parallel: c.Parallel, Attempts: c.Attempts}
}
