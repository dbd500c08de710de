package executor

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/trellisflow/trellis/internal/expr"
	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

// DBPool caches sql.DB handles per DSN so repeated db-connector executions
// reuse connection pools instead of redialing.
type DBPool struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewDBPool creates an empty pool.
func NewDBPool() *DBPool {
	return &DBPool{dbs: make(map[string]*sql.DB)}
}

// Get returns the pool for a DSN, opening it on first use.
func (p *DBPool) Get(driver, dsn string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := driver + "\x00" + dsn
	if db, ok := p.dbs[key]; ok {
		return db, nil
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	p.dbs[key] = db
	return db, nil
}

// Close shuts every cached pool down.
func (p *DBPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, db := range p.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.dbs = make(map[string]*sql.DB)
	return first
}

// execDBConnector runs a parameterized query against a database named by a
// secret.
//
// Config: secretId (database secret), query (required), params (list; string
// entries starting with "." are jq paths into the input, everything else is
// passed literally). SELECT/WITH/SHOW queries return rows; other statements
// return rowsAffected.
func execDBConnector(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	if env.Emulation {
		return emulatedDBConnector(node), nil
	}

	query := strings.TrimSpace(node.ConfigString("query"))
	if query == "" {
		return nil, fault.New(fault.KindValidation, "db-connector node %s has no query", node.ID)
	}
	secretID := node.ConfigString("secretId")
	if secretID == "" {
		return nil, fault.New(fault.KindValidation, "db-connector node %s has no secretId", node.ID)
	}

	payload, err := env.Deps.Secrets.Reveal(ctx, secretID)
	if err != nil {
		return nil, err
	}
	dsn, err := postgresDSN(payload)
	if err != nil {
		return nil, err
	}

	db, err := env.Deps.DBs.Get("postgres", dsn)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}

	params, err := resolveParams(node, input, env)
	if err != nil {
		return nil, err
	}

	if isRowQuery(query) {
		rows, err := db.QueryContext(ctx, query, params...)
		if err != nil {
			return nil, fault.Wrap(fault.KindConnection, err)
		}
		defer rows.Close()
		out, err := collectRows(rows)
		if err != nil {
			return nil, fault.Wrap(fault.KindConnection, err)
		}
		return model.Payload{"rows": out, "rowCount": len(out)}, nil
	}

	res, err := db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	affected, _ := res.RowsAffected()
	return model.Payload{"rowsAffected": affected}, nil
}

// postgresDSN builds a DSN from a database secret payload. An explicit url
// field wins; otherwise host/port/username/password/database assemble one.
func postgresDSN(payload map[string]interface{}) (string, error) {
	if u, ok := payload["url"].(string); ok && u != "" {
		return u, nil
	}
	host, _ := payload["host"].(string)
	if host == "" {
		return "", fault.New(fault.KindValidation, "database secret has neither url nor host")
	}
	port := expr.Stringify(payload["port"])
	if port == "" {
		port = "5432"
	}
	user, _ := payload["username"].(string)
	pass, _ := payload["password"].(string)
	dbname, _ := payload["database"].(string)
	sslmode, _ := payload["sslmode"].(string)
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(user), url.QueryEscape(pass), host, port, dbname, sslmode), nil
}

// resolveParams materializes the params list, evaluating jq paths against
// the input payload.
func resolveParams(node model.Node, input model.Payload, env ExecContext) ([]interface{}, error) {
	raw, ok := node.Config["params"].([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]interface{}, 0, len(raw))
	for _, p := range raw {
		if s, isStr := p.(string); isStr && strings.HasPrefix(s, ".") {
			v, err := env.Deps.Expr.Eval(s, input)
			if err != nil {
				return nil, fault.Wrap(fault.KindTransformation, err)
			}
			out = append(out, v)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func isRowQuery(query string) bool {
	head := strings.ToUpper(strings.Fields(query)[0])
	return head == "SELECT" || head == "WITH" || head == "SHOW"
}

// collectRows scans every row into a map keyed by column name.
func collectRows(rows *sql.Rows) ([]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			v := values[i]
			if b, isBytes := v.([]byte); isBytes {
				v = string(b)
			}
			row[c] = v
		}
		out = append(out, row)
	}
	if out == nil {
		out = []interface{}{}
	}
	return out, rows.Err()
}
