package backup

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DialectName identifies the database engine behind DATABASE_URL
type DialectName string

const (
	DialectPostgres DialectName = "postgres"
	DialectMySQL    DialectName = "mysql"
)

// DatabaseTarget is a parsed connection string
type DatabaseTarget struct {
	Dialect  DialectName
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	Params   url.Values
}

// ParseDatabaseURL parses postgres://, postgresql:// and mysql:// URLs
func ParseDatabaseURL(raw string) (*DatabaseTarget, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, NewConfigurationError("database url is not configured", nil)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, NewConfigurationError("database url is not a valid URL", err)
	}

	target := &DatabaseTarget{
		Host:   u.Hostname(),
		Name:   strings.TrimPrefix(u.Path, "/"),
		Params: u.Query(),
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		target.Dialect = DialectPostgres
		target.Port = 5432
	case "mysql":
		target.Dialect = DialectMySQL
		target.Port = 3306
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported database scheme %q", u.Scheme), nil)
	}

	if u.User != nil {
		target.User = u.User.Username()
		target.Password, _ = u.User.Password()
	}
	if target.Host == "" {
		target.Host = "localhost"
	}
	if port := u.Port(); port != "" {
		parsed, err := strconv.Atoi(port)
		if err != nil || parsed <= 0 || parsed > 65535 {
			return nil, NewConfigurationError(fmt.Sprintf("invalid database port %q", port), err)
		}
		target.Port = parsed
	}
	if target.Name == "" {
		return nil, NewConfigurationError("database url has no database name", nil)
	}

	return target, nil
}

// Redacted renders the target as a URL with the password masked
func (t *DatabaseTarget) Redacted() string {
	u := url.URL{
		Scheme: string(t.Dialect),
		Host:   net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
		Path:   "/" + t.Name,
	}
	if t.User != "" {
		if t.Password != "" {
			u.User = url.UserPassword(t.User, "***")
		} else {
			u.User = url.User(t.User)
		}
	}
	return u.String()
}

// Dialect knows the tools and queries for one database engine
type Dialect interface {
	Name() DialectName
	DumpTool() string
	RestoreTool() string
	ApplyTool() string
	DumpCommand(target *DatabaseTarget, out string) Command
	RestoreCommand(target *DatabaseTarget, path string, dropExisting bool) (Command, func(), error)
	ApplySQLCommand(target *DatabaseTarget, path string) (Command, func(), error)

	DriverName() string
	DSN(target *DatabaseTarget) string
	VersionQuery() string
	TablesQuery() string
	CountQuery(table string) string
	QuoteIdentifier(name string) string
}

// DialectFor returns the dialect for a target
func DialectFor(target *DatabaseTarget) (Dialect, error) {
	switch target.Dialect {
	case DialectPostgres:
		return PostgresDialect{}, nil
	case DialectMySQL:
		return MySQLDialect{}, nil
	}
	return nil, NewConfigurationError(fmt.Sprintf("unsupported dialect %q", target.Dialect), nil)
}

// PostgresDialect drives pg_dump, pg_restore and psql
type PostgresDialect struct{}

func (PostgresDialect) Name() DialectName { return DialectPostgres }
func (PostgresDialect) DumpTool() string { return "pg_dump" }
func (PostgresDialect) RestoreTool() string { return "pg_restore" }
func (PostgresDialect) ApplyTool() string { return "psql" }
func (PostgresDialect) DriverName() string { return "pgx" }

func (PostgresDialect) env(target *DatabaseTarget) []string {
	return []string{"PGPASSWORD=" + target.Password}
}

func (d PostgresDialect) DumpCommand(target *DatabaseTarget, out string) Command {
	return Command{
		Name: "pg_dump",
		Args: []string{
			"-h", target.Host,
			"-p", strconv.Itoa(target.Port),
			"-U", target.User,
			"-d", target.Name,
			"-f", out,
			"-Fc",
			"-v",
		},
		Env: d.env(target),
	}
}

func (d PostgresDialect) RestoreCommand(target *DatabaseTarget, path string, dropExisting bool) (Command, func(), error) {
	args := []string{
		"-h", target.Host,
		"-p", strconv.Itoa(target.Port),
		"-U", target.User,
		"-d", target.Name,
	}
	if dropExisting {
		args = append(args, "-c")
	}
	args = append(args, "-v", path)
	return Command{Name: "pg_restore", Args: args, Env: d.env(target)}, func() {}, nil
}

func (d PostgresDialect) ApplySQLCommand(target *DatabaseTarget, path string) (Command, func(), error) {
	return Command{
		Name: "psql",
		Args: []string{
			"-h", target.Host,
			"-p", strconv.Itoa(target.Port),
			"-U", target.User,
			"-d", target.Name,
			"-v", "ON_ERROR_STOP=1",
			"-f", path,
		},
		Env: d.env(target),
	}, func() {}, nil
}

func (PostgresDialect) DSN(target *DatabaseTarget) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(target.Host, strconv.Itoa(target.Port)),
		Path:   "/" + target.Name,
	}
	if target.User != "" {
		u.User = url.UserPassword(target.User, target.Password)
	}
	if len(target.Params) > 0 {
		u.RawQuery = target.Params.Encode()
	}
	return u.String()
}

func (PostgresDialect) VersionQuery() string {
	return "SELECT version()"
}

func (PostgresDialect) TablesQuery() string {
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_type = 'BASE TABLE' ORDER BY table_name"
}

func (d PostgresDialect) CountQuery(table string) string {
	return "SELECT count(*) FROM " + d.QuoteIdentifier(table)
}

func (PostgresDialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// MySQLDialect drives mysqldump and the mysql client
type MySQLDialect struct{}

func (MySQLDialect) Name() DialectName { return DialectMySQL }
func (MySQLDialect) DumpTool() string { return "mysqldump" }
func (MySQLDialect) RestoreTool() string { return "mysql" }
func (MySQLDialect) ApplyTool() string { return "mysql" }
func (MySQLDialect) DriverName() string { return "mysql" }

func (MySQLDialect) env(target *DatabaseTarget) []string {
	return []string{"MYSQL_PWD=" + target.Password}
}

func (d MySQLDialect) DumpCommand(target *DatabaseTarget, out string) Command {
	return Command{
		Name: "mysqldump",
		Args: []string{
			"-h", target.Host,
			"-P", strconv.Itoa(target.Port),
			"-u", target.User,
			"--single-transaction",
			"--routines",
			"--add-drop-table",
			"--result-file=" + out,
			target.Name,
		},
		Env: d.env(target),
	}
}

// RestoreCommand pipes the dump into mysql. Drop statements are embedded at
// dump time, so dropExisting has no effect here.
func (d MySQLDialect) RestoreCommand(target *DatabaseTarget, path string, dropExisting bool) (Command, func(), error) {
	return d.ApplySQLCommand(target, path)
}

func (d MySQLDialect) ApplySQLCommand(target *DatabaseTarget, path string) (Command, func(), error) {
	file, err := os.Open(path)
	if err != nil {
		return Command{}, nil, NewStorageError(fmt.Sprintf("failed to open %s", path), err)
	}
	return Command{
		Name: "mysql",
		Args: []string{
			"-h", target.Host,
			"-P", strconv.Itoa(target.Port),
			"-u", target.User,
			target.Name,
		},
		Env:   d.env(target),
		Stdin: file,
	}, func() { file.Close() }, nil
}

func (MySQLDialect) DSN(target *DatabaseTarget) string {
	cfg := mysql.NewConfig()
	cfg.User = target.User
	cfg.Passwd = target.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	cfg.DBName = target.Name
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second
	return cfg.FormatDSN()
}

func (MySQLDialect) VersionQuery() string {
	return "SELECT VERSION()"
}

func (MySQLDialect) TablesQuery() string {
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name"
}

func (d MySQLDialect) CountQuery(table string) string {
	return "SELECT COUNT(*) FROM " + d.QuoteIdentifier(table)
}

func (MySQLDialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
