package landscape

import "strconv"

// dialect isolates the handful of SQL differences between the Postgres and
// SQLite backends (placeholder syntax, autoincrement id retrieval) so the
// query bodies in queries.go can be shared.
type dialect struct {
	name string
}

var (
	dialectPostgres = dialect{name: "postgres"}
	dialectSQLite   = dialect{name: "sqlite"}
)

// ph renders the nth (1-indexed) bind parameter placeholder for this dialect.
func (d dialect) ph(n int) string {
	if d.name == "postgres" {
		return "$" + strconv.Itoa(n)
	}

	return "?"
}

// isPostgres reports whether this dialect is the Postgres backend.
func (d dialect) isPostgres() bool {
	return d.name == "postgres"
}
