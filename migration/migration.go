// Defines a named database migration. Migrations are applied in order by the
// migrator in internal/db and recorded in a per-subsystem versions table.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
