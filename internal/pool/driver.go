package pool

import (
	"context"
	"sort"
	"strings"

	"github.com/willibrandon/sqlstep/internal/profile"
)

// openFunc builds a pooled source for a profile. url is already normalized and
// password already resolved.
type openFunc func(ctx context.Context, p profile.ConnectionProfile, url, password string) (Source, error)

// Driver is one entry of the driver catalogue.
type Driver struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Aliases     []string `json:"aliases,omitempty"`
	URLTemplate string   `json:"url_template"`
	Available   bool     `json:"available"`

	open openFunc
}

// catalogue lists the engines profiles may name. Engines without an opener are
// recognised so that a profile naming them fails with a clear configuration
// error instead of "unknown driver".
var catalogue = []Driver{
	{
		Name:        "postgres",
		DisplayName: "PostgreSQL",
		Aliases:     []string{"pgx", "postgresql", "org.postgresql.Driver"},
		URLTemplate: "postgres://localhost:5432/database",
		open:        openPgxSource,
	},
	{
		Name:        "sqlite3",
		DisplayName: "SQLite",
		Aliases:     []string{"sqlite", "org.sqlite.JDBC"},
		URLTemplate: "file:database.db?_busy_timeout=5000",
		open:        openSQLSource,
	},
	{
		Name:        "mysql",
		DisplayName: "MySQL",
		Aliases:     []string{"com.mysql.cj.jdbc.Driver"},
		URLTemplate: "mysql://localhost:3306/database",
	},
	{
		Name:        "sqlserver",
		DisplayName: "SQL Server",
		Aliases:     []string{"com.microsoft.sqlserver.jdbc.SQLServerDriver"},
		URLTemplate: "sqlserver://localhost:1433?database=database",
	},
	{
		Name:        "oracle",
		DisplayName: "Oracle",
		Aliases:     []string{"oracle.jdbc.driver.OracleDriver"},
		URLTemplate: "oracle://localhost:1521/xe",
	},
	{
		Name:        "h2",
		DisplayName: "H2",
		Aliases:     []string{"org.h2.Driver"},
		URLTemplate: "jdbc:h2:mem:testdb",
	},
}

func init() {
	for i := range catalogue {
		catalogue[i].Available = catalogue[i].open != nil
	}
}

// Drivers returns the driver catalogue sorted by name.
func Drivers() []Driver {
	out := make([]Driver, len(catalogue))
	copy(out, catalogue)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupDriver finds a catalogue entry by name or alias, case-insensitively.
func LookupDriver(name string) (Driver, bool) {
	name = strings.TrimSpace(name)
	for _, d := range catalogue {
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
		for _, alias := range d.Aliases {
			if strings.EqualFold(alias, name) {
				return d, true
			}
		}
	}
	return Driver{}, false
}

// normalizeURL accepts JDBC-style urls and rewrites them for the Go driver.
func normalizeURL(driver, raw string) string {
	url := strings.TrimSpace(raw)
	if !strings.HasPrefix(strings.ToLower(url), "jdbc:") {
		return url
	}
	url = url[len("jdbc:"):]

	switch driver {
	case "postgres":
		if strings.HasPrefix(url, "postgresql://") {
			return "postgres://" + strings.TrimPrefix(url, "postgresql://")
		}
	case "sqlite3":
		return strings.TrimPrefix(url, "sqlite:")
	}
	return url
}
