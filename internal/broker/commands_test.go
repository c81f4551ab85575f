package broker

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertInstallIsOneScript(t *testing.T) {
	p := testPolicy()
	cmd := buildCertInstall(p, []string{"/tmp/stage/cert.pem", "/tmp/stage/key.pem", "demo.test"})

	require.Equal(t, "/bin/sh", cmd.argv[0])
	body := cmd.argv[2]
	lines := strings.Split(body, "\n")
	assert.Equal(t, "set -e", lines[0])

	// Both copies precede both renames.
	lastInstall, firstMove := -1, len(lines)
	for i, l := range lines {
		words, err := shellquote.Split(l)
		require.NoError(t, err)
		switch words[0] {
		case "install":
			lastInstall = i
		case "mv":
			if i < firstMove {
				firstMove = i
			}
		}
	}
	assert.Less(t, lastInstall, firstMove)
	assert.Contains(t, body, "/etc/ssl/certs/demo.test.crt")
	assert.Contains(t, body, "/etc/devstack/ssl/private/demo.test.key")
}

// runCertInstall stages a new pair and runs the cert.install script against
// directories under a temp root.
func runCertInstall(t *testing.T, p *Policy, host string) error {
	t.Helper()
	if _, err := exec.LookPath("install"); err != nil {
		t.Skip("install(1) not available")
	}
	stage := t.TempDir()
	cert := filepath.Join(stage, "cert.pem")
	key := filepath.Join(stage, "key.pem")
	require.NoError(t, os.WriteFile(cert, []byte("new-cert"), 0644))
	require.NoError(t, os.WriteFile(key, []byte("new-key"), 0600))

	cmd := buildCertInstall(p, []string{cert, key, host})
	return exec.Command(cmd.argv[0], cmd.argv[1:]...).Run()
}

func certTestPolicy(t *testing.T) *Policy {
	root := t.TempDir()
	p := testPolicy()
	p.CertDir = filepath.Join(root, "certs")
	p.KeyDir = filepath.Join(root, "private")
	require.NoError(t, os.MkdirAll(p.CertDir, 0755))
	require.NoError(t, os.MkdirAll(p.KeyDir, 0700))
	require.NoError(t, os.WriteFile(p.CertPath("demo.test"), []byte("old-cert"), 0644))
	require.NoError(t, os.WriteFile(p.KeyPath("demo.test"), []byte("old-key"), 0600))
	return p
}

func TestCertInstallReplacesPair(t *testing.T) {
	p := certTestPolicy(t)

	require.NoError(t, runCertInstall(t, p, "demo.test"))

	cert, err := os.ReadFile(p.CertPath("demo.test"))
	require.NoError(t, err)
	key, err := os.ReadFile(p.KeyPath("demo.test"))
	require.NoError(t, err)
	assert.Equal(t, "new-cert", string(cert))
	assert.Equal(t, "new-key", string(key))

	entries, err := os.ReadDir(p.KeyDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are cleaned up")
	assert.Equal(t, "demo.test.key", entries[0].Name())
}

func TestCertInstallKeepsMatchingPairWhenCertRenameFails(t *testing.T) {
	p := certTestPolicy(t)
	// A non-empty directory where the certificate rename lands makes mv fail
	// after the key has already been replaced.
	cert := p.CertPath("demo.test")
	require.NoError(t, os.Remove(cert))
	blocker := filepath.Join(cert, ".demo.test.crt.devstack")
	require.NoError(t, os.MkdirAll(blocker, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "x"), nil, 0644))

	err := runCertInstall(t, p, "demo.test")
	require.Error(t, err)

	key, err := os.ReadFile(p.KeyPath("demo.test"))
	require.NoError(t, err)
	assert.Equal(t, "old-key", string(key))
	assert.NoFileExists(t, filepath.Join(p.KeyDir, ".demo.test.key.devstack-prev"))
}

func TestScriptQuotesArguments(t *testing.T) {
	cmd := script([]string{"install", "-m", "0644", "/tmp/a b/c", "/etc/x"})
	words, err := shellquote.Split(strings.Split(cmd.argv[2], "\n")[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"install", "-m", "0644", "/tmp/a b/c", "/etc/x"}, words)
}

func TestSiteCommandsPerEngine(t *testing.T) {
	p := testPolicy()

	assert.Equal(t, []string{"a2ensite", "-q", "demo.test.conf"},
		buildSiteEnable(p, []string{EngineApache, "demo.test"}).argv)
	assert.Equal(t, []string{"ln", "-sfn", "/etc/nginx/sites-available/demo.test", "/etc/nginx/sites-enabled/demo.test"},
		buildSiteEnable(p, []string{EngineNginx, "demo.test"}).argv)
	assert.Equal(t, []string{"apache2ctl", "configtest"}, buildConfigTest(p, []string{EngineApache}).argv)
	assert.Equal(t, []string{"nginx", "-t"}, buildConfigTest(p, []string{EngineNginx}).argv)
	assert.Equal(t, []string{"systemctl", "reload", "nginx"}, buildWebReload(p, []string{EngineNginx}).argv)
}

func TestDBCreateStatements(t *testing.T) {
	mysql := buildDBCreate(nil, []string{DBEngineMySQL, "shop", "shop_user", "it's", "false"})
	assert.Contains(t, mysql.stdin, "CREATE DATABASE `shop`")
	assert.NotContains(t, mysql.stdin, "IF NOT EXISTS `shop`")
	assert.Contains(t, mysql.stdin, "IDENTIFIED BY 'it''s'")
	assert.Contains(t, mysql.stdin, "GRANT ALL PRIVILEGES ON `shop`.* TO 'shop_user'@'localhost'")

	again := buildDBCreate(nil, []string{DBEngineMySQL, "shop", "shop_user", "pw", "true"})
	assert.Contains(t, again.stdin, "CREATE DATABASE IF NOT EXISTS `shop`")

	pg := buildDBCreate(nil, []string{DBEnginePostgres, "shop", "shop_user", "pw", "false"})
	assert.Equal(t, "runuser", pg.argv[0])
	assert.Contains(t, pg.argv, "VERBOSITY=verbose")
	assert.Contains(t, pg.stdin, `CREATE DATABASE "shop" OWNER "shop_user";`)
	assert.Contains(t, pg.stdin, `GRANT ALL PRIVILEGES ON DATABASE "shop" TO "shop_user";`)
}

func TestDBDumpCommandsRedirectStagedFile(t *testing.T) {
	in := buildDBImport(nil, []string{DBEngineMySQL, "shop", "/tmp/s/dump.sql"})
	assert.Equal(t, []string{"/bin/sh", "-c", `f=$1; shift; exec "$@" < "$f"`, "sh", "/tmp/s/dump.sql", "mysql", "--batch", "shop"}, in.argv)
	assert.Empty(t, in.stdin)

	out := buildDBExport(nil, []string{DBEnginePostgres, "shop", "/tmp/s/dump.sql"})
	assert.Contains(t, out.argv[2], `> "$f"`)
	assert.Equal(t, "/tmp/s/dump.sql", out.argv[4])
	assert.Equal(t, []string{"pg_dump", "--no-owner", "-d", "shop"}, out.argv[len(out.argv)-4:])
}

func TestDBImportFeedsFileToProgram(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "dump.sql")
	dst := filepath.Join(dir, "copy.sql")
	require.NoError(t, os.WriteFile(src, []byte("CREATE TABLE t (id int);\n"), 0600))

	// cat stands in for the database client.
	cmd := redirect("<", src, "cat")
	outFile, err := os.Create(dst)
	require.NoError(t, err)
	defer outFile.Close()
	c := exec.Command(cmd.argv[0], cmd.argv[1:]...)
	c.Stdout = outFile
	require.NoError(t, c.Run())

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t (id int);\n", string(got))
}

func TestPackageInstallUpdatesFirst(t *testing.T) {
	cmd := buildPackageInstall(nil, []string{"nginx"})
	body := cmd.argv[2]
	assert.Less(t, strings.Index(body, "apt-get update"), strings.Index(body, "apt-get install"))
	assert.Contains(t, body, "DEBIAN_FRONTEND=noninteractive")
}

func TestApacheModuleAllowList(t *testing.T) {
	p := testPolicy()

	assert.Equal(t, []string{"a2enmod", "-q", "proxy_fcgi"}, buildApacheModule(p, []string{"proxy_fcgi"}).argv)
	assert.NoError(t, p.Validate(NewAction(ApacheModule, "ssl")))
	assert.ErrorIs(t, p.Validate(NewAction(ApacheModule, "php7")), ErrDisallowedAction)
}
