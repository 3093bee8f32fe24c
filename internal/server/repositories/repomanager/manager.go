package repomanager

import (
	"context"
	"database/sql"

	"github.com/filevault/filevault/internal/server/repositories/files"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Files(db *sql.DB) files.Repository
}
