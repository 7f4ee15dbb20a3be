package main

import (
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

var db *sqlx.DB

const connectionsSchema = `
CREATE TABLE IF NOT EXISTS wallet_connections (
	id UUID PRIMARY KEY,
	client_pubkey TEXT NOT NULL UNIQUE,
	wallet_pubkey TEXT NOT NULL,
	client_secret TEXT NOT NULL,
	relays JSONB NOT NULL DEFAULT '[]',
	permissions JSONB NOT NULL DEFAULT '[]',
	lud16 TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
)`

// InitDB connects to Postgres when POSTGRES_HOST is set. Without it the
// bridge runs memory-only and pairings do not survive a restart.
func InitDB() {
	dbHost := os.Getenv("POSTGRES_HOST")
	if dbHost == "" {
		log.Info("POSTGRES_HOST not set, running with in-memory connections only")
		return
	}

	dbUser := os.Getenv("POSTGRES_USER")
	dbPassword := os.Getenv("POSTGRES_PASSWORD")
	dbName := os.Getenv("POSTGRES_DB")
	dbPort := os.Getenv("POSTGRES_PORT")

	connStr := "host=" + dbHost + " port=" + dbPort + " user=" + dbUser + " password=" + dbPassword + " dbname=" + dbName + " sslmode=disable"

	var err error
	db, err = sqlx.Connect("postgres", connStr)
	if err != nil {
		log.Fatalln(err)
	}

	if _, err = db.Exec(connectionsSchema); err != nil {
		log.Fatalln(err)
	}

	log.Info("Database connection established")
}

func CloseDB() {
	if db != nil {
		db.Close()
	}
}
