package broker

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
)

// command is a fully rendered process invocation.
type command struct {
	argv  []string
	stdin string
}

func argv(args ...string) command {
	return command{argv: args}
}

// script renders lines as a single POSIX shell invocation. Every line is
// built from shellquote-joined words so no argument is interpreted.
func script(lines ...[]string) command {
	rendered := make([]string, 0, len(lines)+1)
	rendered = append(rendered, "set -e")
	for _, words := range lines {
		rendered = append(rendered, shellquote.Join(words...))
	}
	return argv("/bin/sh", "-c", strings.Join(rendered, "\n"))
}

func systemctl(verb string) func(*Policy, []string) command {
	return func(_ *Policy, args []string) command {
		return argv("systemctl", verb, args[0])
	}
}

const aptEnv = "DEBIAN_FRONTEND=noninteractive"

func buildPackageInstall(_ *Policy, args []string) command {
	return script(
		[]string{"env", aptEnv, "apt-get", "update", "-q"},
		[]string{"env", aptEnv, "apt-get", "install", "-y", "-q",
			"-o", "Dpkg::Options::=--force-confold", args[0]},
	)
}

func buildPackageRemove(_ *Policy, args []string) command {
	return argv("env", aptEnv, "apt-get", "remove", "-y", "-q", args[0])
}

func buildFileInstall(_ *Policy, args []string) command {
	src, dst, mode := args[0], args[1], args[2]
	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".devstack")
	return script(
		[]string{"install", "-d", "-m", "0755", filepath.Dir(dst)},
		[]string{"install", "-m", mode, src, tmp},
		[]string{"mv", "-f", tmp, dst},
	)
}

func buildFileRemove(_ *Policy, args []string) command {
	return argv("rm", "-f", args[0])
}

func buildSiteEnable(p *Policy, args []string) command {
	engine, host := args[0], args[1]
	site := p.Sites[engine]
	if engine == EngineApache {
		return argv("a2ensite", "-q", host+site.Suffix)
	}
	return argv("ln", "-sfn", site.SiteFile(host), site.EnabledLink(host))
}

func buildSiteDisable(p *Policy, args []string) command {
	engine, host := args[0], args[1]
	site := p.Sites[engine]
	if engine == EngineApache {
		return argv("a2dissite", "-q", host+site.Suffix)
	}
	return argv("rm", "-f", site.EnabledLink(host))
}

func buildHostsWrite(p *Policy, args []string) command {
	// Copy over the existing file rather than renaming so that bind mounts
	// and inode-based watchers keep working.
	return script(
		[]string{"cp", p.HostsFile, p.HostsFile + ".devstack.bak"},
		[]string{"cp", args[0], p.HostsFile},
		[]string{"chmod", "0644", p.HostsFile},
	)
}

func buildConfigTest(p *Policy, args []string) command {
	if args[0] == EngineApache {
		return argv("apache2ctl", "configtest")
	}
	return argv("nginx", "-t")
}

func buildWebReload(p *Policy, args []string) command {
	return argv("systemctl", "reload", p.Sites[args[0]].Service)
}

func buildApacheModule(_ *Policy, args []string) command {
	return argv("a2enmod", "-q", args[0])
}

func buildCertInstall(p *Policy, args []string) command {
	stagedCert, stagedKey, host := args[0], args[1], args[2]
	cert, key := p.CertPath(host), p.KeyPath(host)
	tmpCert := filepath.Join(p.CertDir, "."+host+".crt.devstack")
	tmpKey := filepath.Join(p.KeyDir, "."+host+".key.devstack")
	prevKey := filepath.Join(p.KeyDir, "."+host+".key.devstack-prev")
	// Both files are copied beside their targets first; the renames only run
	// once both copies exist, and the trap clears leftovers on exit. If the
	// certificate rename fails the previous key is put back, so the pair on
	// disk always matches.
	return script(
		[]string{"trap", shellquote.Join("rm", "-f", tmpCert, tmpKey, prevKey), "EXIT"},
		[]string{"install", "-d", "-m", "0755", p.CertDir, p.KeyDir},
		[]string{"install", "-m", "0644", stagedCert, tmpCert},
		[]string{"install", "-m", "0600", stagedKey, tmpKey},
		[]string{"/bin/sh", "-c", `[ ! -e "$1" ] || cp -p "$1" "$2"`, "sh", key, prevKey},
		[]string{"mv", "-f", tmpKey, key},
		[]string{"/bin/sh", "-c", `mv -f "$1" "$2" && exit 0; if [ -e "$3" ]; then mv -f "$3" "$4"; else rm -f "$4"; fi; exit 1`, "sh", tmpCert, cert, prevKey, key},
	)
}

func buildCertRemove(p *Policy, args []string) command {
	return argv("rm", "-f", p.CertPath(args[0]), p.KeyPath(args[0]))
}

func buildCertTrust(p *Policy, args []string) command {
	return script(
		[]string{"install", "-d", "-m", "0755", p.TrustDir},
		[]string{"install", "-m", "0644", p.CertPath(args[0]), p.TrustPath(args[0])},
		[]string{"update-ca-certificates"},
	)
}

func buildCertUntrust(p *Policy, args []string) command {
	return script(
		[]string{"rm", "-f", p.TrustPath(args[0])},
		[]string{"update-ca-certificates", "--fresh"},
	)
}

// sqlString quotes s as a SQL string literal.
func sqlString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var psql = []string{"runuser", "-u", "postgres", "--", "psql", "-X", "-q", "-v", "ON_ERROR_STOP=1"}

func buildDBCreate(_ *Policy, args []string) command {
	engine, name, user, password, ifAbsent := args[0], args[1], args[2], args[3], args[4] == "true"

	var sql strings.Builder
	if engine == DBEngineMySQL {
		create := "CREATE DATABASE"
		if ifAbsent {
			create += " IF NOT EXISTS"
		}
		fmt.Fprintf(&sql, "%s `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci;\n", create, name)
		fmt.Fprintf(&sql, "CREATE USER IF NOT EXISTS '%s'@'localhost' IDENTIFIED BY %s;\n", user, sqlString(password))
		fmt.Fprintf(&sql, "GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'localhost';\n", name, user)
		sql.WriteString("FLUSH PRIVILEGES;\n")
		return command{argv: []string{"mysql", "--batch"}, stdin: sql.String()}
	}

	// PostgreSQL strings do not treat backslash specially.
	pgPassword := "'" + strings.ReplaceAll(password, "'", "''") + "'"
	fmt.Fprintf(&sql, "DO $$ BEGIN IF NOT EXISTS (SELECT FROM pg_roles WHERE rolname = '%s') "+
		"THEN CREATE ROLE \"%s\" LOGIN PASSWORD %s; END IF; END $$;\n", user, user, pgPassword)
	if ifAbsent {
		fmt.Fprintf(&sql, "SELECT 'CREATE DATABASE \"%s\" OWNER \"%s\"' "+
			"WHERE NOT EXISTS (SELECT FROM pg_database WHERE datname = '%s')\\gexec\n", name, user, name)
	} else {
		fmt.Fprintf(&sql, "CREATE DATABASE \"%s\" OWNER \"%s\";\n", name, user)
	}
	fmt.Fprintf(&sql, "GRANT ALL PRIVILEGES ON DATABASE \"%s\" TO \"%s\";\n", name, user)
	// Verbose errors carry the SQLSTATE code.
	return command{argv: append(append([]string(nil), psql...), "-v", "VERBOSITY=verbose"), stdin: sql.String()}
}

func buildDBDrop(_ *Policy, args []string) command {
	if args[0] == DBEngineMySQL {
		return command{argv: []string{"mysql", "--batch"}, stdin: fmt.Sprintf("DROP DATABASE IF EXISTS `%s`;\n", args[1])}
	}
	return command{argv: append([]string(nil), psql...), stdin: fmt.Sprintf("DROP DATABASE IF EXISTS \"%s\";\n", args[1])}
}

func buildDBList(_ *Policy, args []string) command {
	if args[0] == DBEngineMySQL {
		return argv("mysql", "--batch", "--skip-column-names", "-e", "SHOW DATABASES")
	}
	return argv(append(append([]string(nil), psql...), "-A", "-t", "-c",
		"SELECT datname FROM pg_database WHERE NOT datistemplate ORDER BY datname")...)
}

// redirect runs words with stdin or stdout connected to file. The shell
// only applies the redirection; every word reaches the program as is.
func redirect(op, file string, words ...string) command {
	return argv(append([]string{"/bin/sh", "-c", `f=$1; shift; exec "$@" ` + op + ` "$f"`, "sh", file}, words...)...)
}

func buildDBImport(_ *Policy, args []string) command {
	engine, name, staged := args[0], args[1], args[2]
	if engine == DBEngineMySQL {
		return redirect("<", staged, "mysql", "--batch", name)
	}
	return redirect("<", staged, append(append([]string(nil), psql...), "-d", name)...)
}

func buildDBExport(_ *Policy, args []string) command {
	engine, name, staged := args[0], args[1], args[2]
	if engine == DBEngineMySQL {
		return redirect(">", staged, "mysqldump", "--single-transaction", "--routines", "--triggers", name)
	}
	return redirect(">", staged, "runuser", "-u", "postgres", "--", "pg_dump", "--no-owner", "-d", name)
}
