// Package persist is the sqlite backend for identity and trust records.
// Scores are never persisted: the engine recomputes them from the trust
// graph at startup. Clients, subscriptions and notifications are never
// persisted either, because their transport endpoints cannot outlive a
// restart.
package persist

import (
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"

	"webweir.net/wot/wot"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS identities (
		id TEXT PRIMARY KEY,
		edition INTEGER NOT NULL DEFAULT 0,
		nickname TEXT,
		contexts TEXT,
		properties TEXT,
		publishes_trust_list INTEGER DEFAULT 0,
		fetch_state INTEGER DEFAULT 0,
		last_fetched DATETIME,
		own INTEGER DEFAULT 0,
		insert_key TEXT,
		restoring INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_identities_own ON identities(own);

	CREATE TABLE IF NOT EXISTS trusts (
		truster_id TEXT NOT NULL,
		trustee_id TEXT NOT NULL,
		value INTEGER NOT NULL,
		comment TEXT,
		edition INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (truster_id, trustee_id),
		FOREIGN KEY (truster_id) REFERENCES identities(id),
		FOREIGN KEY (trustee_id) REFERENCES identities(id)
	);

	CREATE INDEX IF NOT EXISTS idx_trusts_trustee ON trusts(trustee_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// wot.PersistentStore

func (s *SQLiteStore) Begin() (wot.PersistentTx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteStore) LoadIdentities() ([]*wot.Identity, error) {
	rows, err := s.db.Query(`
		SELECT id, edition, nickname, contexts, properties, publishes_trust_list,
			fetch_state, last_fetched, own, insert_key, restoring
		FROM identities
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []*wot.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

func (s *SQLiteStore) LoadTrusts() ([]*wot.Trust, error) {
	rows, err := s.db.Query(`
		SELECT truster_id, trustee_id, value, comment, edition FROM trusts
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trusts []*wot.Trust
	for rows.Next() {
		var trusterIdStr, trusteeIdStr string
		var comment sql.NullString
		trust := &wot.Trust{}
		if err := rows.Scan(&trusterIdStr, &trusteeIdStr, &trust.Value, &comment, &trust.Edition); err != nil {
			return nil, err
		}
		trusterId, err := wot.ParseId(trusterIdStr)
		if err != nil {
			return nil, err
		}
		trusteeId, err := wot.ParseId(trusteeIdStr)
		if err != nil {
			return nil, err
		}
		trust.TrusterId = trusterId
		trust.TrusteeId = trusteeId
		trust.Comment = comment.String
		trusts = append(trusts, trust)
	}
	return trusts, rows.Err()
}

func scanIdentity(rows *sql.Rows) (*wot.Identity, error) {
	var idStr string
	var nickname, contextsJSON, propertiesJSON, insertKey sql.NullString
	var lastFetched sql.NullTime
	var publishes, own, restoring int
	var fetchState int
	identity := &wot.Identity{}

	err := rows.Scan(&idStr, &identity.Edition, &nickname, &contextsJSON, &propertiesJSON,
		&publishes, &fetchState, &lastFetched, &own, &insertKey, &restoring)
	if err != nil {
		return nil, err
	}

	id, err := wot.ParseId(idStr)
	if err != nil {
		return nil, err
	}
	identity.Id = id
	identity.Nickname = nickname.String
	identity.PublishesTrustList = publishes != 0
	identity.FetchState = wot.FetchState(fetchState)
	if lastFetched.Valid {
		identity.LastFetched = lastFetched.Time
	}
	identity.Own = own != 0
	identity.InsertKey = insertKey.String
	identity.Restoring = restoring != 0

	identity.Properties = map[string]string{}
	if propertiesJSON.Valid && propertiesJSON.String != "" {
		if err := json.Unmarshal([]byte(propertiesJSON.String), &identity.Properties); err != nil {
			return nil, err
		}
	}
	if contextsJSON.Valid && contextsJSON.String != "" {
		if err := json.Unmarshal([]byte(contextsJSON.String), &identity.Contexts); err != nil {
			return nil, err
		}
	}
	return identity, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) PutIdentity(identity *wot.Identity) error {
	contextsJSON, _ := json.Marshal(identity.Contexts)
	propertiesJSON, _ := json.Marshal(identity.Properties)

	var lastFetched any
	if !identity.LastFetched.IsZero() {
		lastFetched = identity.LastFetched.UTC()
	}

	_, err := t.tx.Exec(`
		INSERT INTO identities (id, edition, nickname, contexts, properties,
			publishes_trust_list, fetch_state, last_fetched, own, insert_key, restoring)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			edition = excluded.edition,
			nickname = excluded.nickname,
			contexts = excluded.contexts,
			properties = excluded.properties,
			publishes_trust_list = excluded.publishes_trust_list,
			fetch_state = excluded.fetch_state,
			last_fetched = excluded.last_fetched,
			own = excluded.own,
			insert_key = excluded.insert_key,
			restoring = excluded.restoring
	`, identity.Id.String(), identity.Edition, identity.Nickname, string(contextsJSON),
		string(propertiesJSON), boolToInt(identity.PublishesTrustList), int(identity.FetchState),
		lastFetched, boolToInt(identity.Own), identity.InsertKey, boolToInt(identity.Restoring))
	return err
}

func (t *sqliteTx) DeleteIdentity(id wot.Id) error {
	if _, err := t.tx.Exec(`DELETE FROM trusts WHERE truster_id = ? OR trustee_id = ?`, id.String(), id.String()); err != nil {
		return err
	}
	_, err := t.tx.Exec(`DELETE FROM identities WHERE id = ?`, id.String())
	return err
}

func (t *sqliteTx) PutTrust(trust *wot.Trust) error {
	_, err := t.tx.Exec(`
		INSERT INTO trusts (truster_id, trustee_id, value, comment, edition)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(truster_id, trustee_id) DO UPDATE SET
			value = excluded.value,
			comment = excluded.comment,
			edition = excluded.edition
	`, trust.TrusterId.String(), trust.TrusteeId.String(), trust.Value, trust.Comment, trust.Edition)
	return err
}

func (t *sqliteTx) DeleteTrust(trusterId wot.Id, trusteeId wot.Id) error {
	_, err := t.tx.Exec(`DELETE FROM trusts WHERE truster_id = ? AND trustee_id = ?`,
		trusterId.String(), trusteeId.String())
	return err
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
