package database

import (
	"fmt"

	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/impl/database/mock"
	"github.com/mykube-run/sluice/pkg/impl/database/mongodb"
	"github.com/mykube-run/sluice/pkg/impl/database/mysql"
	"github.com/mykube-run/sluice/pkg/types"
)

func New(conf config.DatabaseConfig) (types.DB, error) {
	switch conf.Type {
	case "mock":
		return mock.NewMockDB(), nil
	case "mysql":
		return mysql.New(conf.DSN)
	case "mongodb":
		return mongodb.New(conf.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %v", conf.Type)
	}
}
