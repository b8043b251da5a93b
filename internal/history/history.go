// Package history persists one row per decoded BUFR message in Postgres
// and serves the stored rows back over HTTP.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/madpsy/bufrkit/pkg/bufr"
)

// Record is the stored shape of one decoded message.
type Record struct {
	ID                int             `json:"id"`
	DataCategory      int             `json:"data_category"`
	OriginatingCentre int             `json:"originating_centre"`
	MasterVersion     int             `json:"master_version"`
	NSubsets          int             `json:"n_subsets"`
	Compressed        bool            `json:"compressed"`
	Descriptors       json.RawMessage `json:"descriptors"`
	Summary           json.RawMessage `json:"summary"`
	Timestamp         time.Time       `json:"timestamp"`
	SourceIP          string          `json:"source_ip"`
}

// Store wraps the Postgres connection.
type Store struct {
	db    *sql.DB
	debug bool
}

// Open connects to Postgres and creates the messages table and its
// indexes if they do not exist.
func Open(host string, port int, user, pass, name string, debug bool) (*Store, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, pass, name)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS bufr_messages (
			id SERIAL PRIMARY KEY,
			data_category INT,
			originating_centre INT,
			master_version INT,
			n_subsets INT,
			compressed BOOLEAN,
			descriptors JSONB,
			summary JSONB,
			timestamp TIMESTAMP,
			source_ip VARCHAR(45)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_bufr_messages_timestamp ON bufr_messages (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_bufr_messages_category ON bufr_messages (data_category)`,
		`CREATE INDEX IF NOT EXISTS idx_bufr_messages_centre ON bufr_messages (originating_centre)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			log.Printf("Error creating index: %v", err)
		}
	}

	return &Store{db: db, debug: debug}, nil
}

// Insert stores one decoded message. summary is a caller-built JSON blob
// (typically the flat-JSON rendering of the first subset).
func (s *Store) Insert(msg *bufr.Message, summary []byte, sourceIP string) error {
	descs := make([]string, 0, len(msg.Section3.Descriptors))
	for _, d := range msg.Section3.Descriptors {
		descs = append(descs, d.String())
	}
	descJSON, err := json.Marshal(descs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO bufr_messages
			(data_category, originating_centre, master_version, n_subsets, compressed, descriptors, summary, timestamp, source_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.Section1.DataCategory,
		msg.Section1.OriginatingCentre,
		msg.Section1.MasterVersion,
		msg.Section3.NSubsets,
		msg.Section3.Compressed,
		descJSON,
		summary,
		time.Now().UTC(),
		sourceIP,
	)
	if err != nil && s.debug {
		log.Printf("Insert error: %v", err)
	}
	return err
}

// Query returns up to limit records, newest first, optionally filtered by
// data category and originating centre (pass -1 to skip a filter).
func (s *Store) Query(category, centre, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, data_category, originating_centre, master_version, n_subsets, compressed, descriptors, summary, timestamp, source_ip
		FROM bufr_messages WHERE 1=1`
	args := []interface{}{}
	if category >= 0 {
		args = append(args, category)
		query += fmt.Sprintf(" AND data_category = $%d", len(args))
	}
	if centre >= 0 {
		args = append(args, centre)
		query += fmt.Sprintf(" AND originating_centre = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.DataCategory, &r.OriginatingCentre, &r.MasterVersion,
			&r.NSubsets, &r.Compressed, &r.Descriptors, &r.Summary, &r.Timestamp, &r.SourceIP); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Handler returns the HTTP query handler for GET /history.
func (s *Store) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		category := queryInt(r, "category", -1)
		centre := queryInt(r, "centre", -1)
		limit := queryInt(r, "limit", 100)

		records, err := s.Query(category, centre, limit)
		if err != nil {
			log.Printf("History query error: %v", err)
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
