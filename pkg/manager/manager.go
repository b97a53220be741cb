// Package manager implements the Container Manager: the single façade that loads packages,
// launches and supervises containers, and answers the Docker-style load/run/ps/start/stop/
// restart/rm/rmi/logs/packages operations.
//
// Grounded on cuemby-warren/pkg/manager/manager.go's shape — a struct wrapping a catalog store
// plus a collection of collaborating subsystems, exposing one method per lifecycle verb — and
// on TSDAP/spider/manager.py's SpiderManager for the exact verb set and semantics.
package manager

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiderdock/spiderd/pkg/archive"
	"github.com/spiderdock/spiderd/pkg/catalog"
	"github.com/spiderdock/spiderd/pkg/dockerstyle"
	"github.com/spiderdock/spiderd/pkg/metrics"
	"github.com/spiderdock/spiderd/pkg/scb"
	"github.com/spiderdock/spiderd/pkg/supervisor"
	"github.com/spiderdock/spiderd/pkg/types"
)

// Config configures a Manager's on-disk layout.
type Config struct {
	CatalogRootDir    string
	PackagesRootDir   string
	ContainersRootDir string
	WorkerBinary      string // path re-executed with the hidden "__worker" argv; "" means os.Args[0]
}

// Manager is the Container Manager façade.
type Manager struct {
	cfg     Config
	store   *catalog.Store
	monitor *supervisor.Monitor
	logger  zerolog.Logger
}

// New builds a Manager, initializes its catalog schema, and starts its Supervisor Monitor.
func New(cfg Config, logger zerolog.Logger) (*Manager, error) {
	for _, dir := range []string{cfg.PackagesRootDir, cfg.ContainersRootDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("manager: create %q: %w", dir, err)
		}
	}

	store, err := catalog.New(cfg.CatalogRootDir, logger)
	if err != nil {
		return nil, fmt.Errorf("manager: open catalog: %w", err)
	}

	m := &Manager{cfg: cfg, store: store, logger: logger}
	m.monitor = supervisor.New(store, m, logger)

	if err := m.initDatabases(); err != nil {
		return nil, err
	}

	go m.monitor.Run()

	return m, nil
}

// Close stops the Supervisor Monitor and closes the catalog.
func (m *Manager) Close() error {
	m.monitor.Stop()
	return m.store.Close()
}

func (m *Manager) initDatabases() error {
	if err := m.store.CreateDatabase("packages"); err != nil {
		return err
	}
	if err := m.store.SwitchDatabase("packages"); err != nil {
		return err
	}
	if err := m.store.CreateTable("infos", map[string]any{
		"Name": "seed", "Tag": "seed", "ID": "seed", "Created": "seed",
		"Size": int64(0), "Author": "seed", "Desc": "seed",
	}); err != nil {
		return err
	}
	if err := m.store.CreateTable("runtimes", map[string]any{
		"ID": "seed", "Entry": "seed", "Daemon": false, "Envs": "seed", "Dependencies": "seed",
	}); err != nil {
		return err
	}
	if err := m.store.CreateTable("schedules", map[string]any{"ID": "seed", "Cron": "seed"}); err != nil {
		return err
	}

	if err := m.store.CreateDatabase("containers"); err != nil {
		return err
	}
	if err := m.store.SwitchDatabase("containers"); err != nil {
		return err
	}
	if err := m.store.CreateTable("infos", map[string]any{
		"ID": "seed", "Package": "seed", "Created": "seed", "Name": "seed",
	}); err != nil {
		return err
	}
	if err := m.store.CreateTable("runtimes", map[string]any{
		"ID": "seed", "Entry": "seed", "Daemon": false, "Envs": "seed",
		"Status": int64(0), "RetCode": int64(0),
	}); err != nil {
		return err
	}
	return m.store.CreateTable("schedules", map[string]any{"ID": "seed", "Cron": "seed"})
}

// Load extracts a package archive and registers it in the packages catalog.
func (m *Manager) Load(pkgFilePath string) (*types.Package, error) {
	loaded, err := archive.Load(pkgFilePath, m.cfg.PackagesRootDir)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(pkgFilePath)
	if err != nil {
		return nil, fmt.Errorf("manager: stat %q: %w", pkgFilePath, err)
	}

	envsJSON, err := json.Marshal(loaded.Compose.Runtimes.Envs)
	if err != nil {
		return nil, err
	}
	depsJSON, err := json.Marshal(loaded.Compose.Runtimes.Dependencies)
	if err != nil {
		return nil, err
	}

	if err := m.store.SwitchDatabase("packages"); err != nil {
		return nil, err
	}
	createdAt := info.ModTime()
	if err := m.store.Insert("infos", map[string]any{
		"Name": loaded.Compose.Infos.Name, "Tag": loaded.Compose.Infos.Tag, "ID": loaded.ID,
		"Created": createdAt.Format("2006-01-02"), "Size": loaded.Size,
		"Author": loaded.Compose.Infos.Author, "Desc": loaded.Compose.Infos.Desc,
	}); err != nil {
		return nil, err
	}
	if err := m.store.Insert("runtimes", map[string]any{
		"ID": loaded.ID, "Entry": loaded.Compose.Runtimes.Entry, "Daemon": loaded.Compose.Runtimes.Daemon,
		"Envs": string(envsJSON), "Dependencies": string(depsJSON),
	}); err != nil {
		return nil, err
	}
	if err := m.store.Insert("schedules", map[string]any{
		"ID": loaded.ID, "Cron": loaded.Compose.Schedules.Cron,
	}); err != nil {
		return nil, err
	}

	return &types.Package{
		Name: loaded.Compose.Infos.Name, Tag: loaded.Compose.Infos.Tag, ID: loaded.ID,
		CreatedAt: createdAt, SizeBytes: loaded.Size,
		Author: loaded.Compose.Infos.Author, Desc: loaded.Compose.Infos.Desc,
		Entry: loaded.Compose.Runtimes.Entry, Daemon: loaded.Compose.Runtimes.Daemon,
		Envs: loaded.Compose.Runtimes.Envs, Dependencies: loaded.Compose.Runtimes.Dependencies,
		Cron: loaded.Compose.Schedules.Cron,
	}, nil
}

// Packages lists every loaded package.
func (m *Manager) Packages() ([]types.Package, error) {
	if err := m.store.SwitchDatabase("packages"); err != nil {
		return nil, err
	}
	cols, rows, err := m.store.Select("infos", "")
	if err != nil {
		return nil, err
	}
	_ = cols

	out := make([]types.Package, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Package{
			Name: str(r["Name"]), Tag: str(r["Tag"]), ID: str(r["ID"]),
			SizeBytes: int64Of(r["Size"]), Author: str(r["Author"]), Desc: str(r["Desc"]),
		})
	}
	return out, nil
}

// RunOptions overrides a package's defaults when instantiating a container. Nil pointer
// fields and a nil Envs map mean "use the package's default".
type RunOptions struct {
	Name   string
	Entry  *string
	Daemon *bool
	Envs   map[string]string
	Cron   *string
}

// Run creates a new container from pkgNameTag ("name:tag") and starts it, returning the new
// container's id.
func (m *Manager) Run(pkgNameTag string, opts RunOptions) (string, error) {
	pkgName, pkgTag, ok := strings.Cut(pkgNameTag, ":")
	if !ok {
		return "", fmt.Errorf("manager: unresolvable package reference %q", pkgNameTag)
	}

	if err := m.store.SwitchDatabase("packages"); err != nil {
		return "", err
	}
	_, infoRows, err := m.store.Select("infos", fmt.Sprintf(`WHERE "Name"='%s' AND "Tag"='%s'`, pkgName, pkgTag))
	if err != nil {
		return "", err
	}
	if len(infoRows) == 0 {
		return "", fmt.Errorf("manager: package %q not found locally", pkgNameTag)
	}
	pkgID := str(infoRows[0]["ID"])

	_, rtRows, err := m.store.Select("runtimes", fmt.Sprintf(`WHERE "ID"='%s'`, pkgID))
	if err != nil {
		return "", err
	}
	defaultEntry := str(rtRows[0]["Entry"])
	defaultDaemon := boolOf(rtRows[0]["Daemon"])
	var defaultEnvs map[string]string
	_ = json.Unmarshal([]byte(str(rtRows[0]["Envs"])), &defaultEnvs)

	_, schedRows, err := m.store.Select("schedules", fmt.Sprintf(`WHERE "ID"='%s'`, pkgID))
	if err != nil {
		return "", err
	}
	defaultCron := str(schedRows[0]["Cron"])

	entry := defaultEntry
	if opts.Entry != nil {
		entry = *opts.Entry
	}
	daemon := defaultDaemon
	if opts.Daemon != nil {
		daemon = *opts.Daemon
	}
	envs := defaultEnvs
	if opts.Envs != nil {
		envs = opts.Envs
	}
	cron := defaultCron
	if opts.Cron != nil {
		cron = *opts.Cron
	}
	name := opts.Name
	if name == "" {
		name = dockerstyle.GenerateName(time.Now())
	}

	containerID := containerID(time.Now())
	createdAt := time.Now()

	if err := m.store.SwitchDatabase("containers"); err != nil {
		return "", err
	}
	envsJSON, _ := json.Marshal(envs)
	if err := m.store.Insert("infos", map[string]any{
		"ID": containerID, "Package": pkgNameTag,
		"Created": createdAt.Format("2006-01-02 15:04:05"), "Name": name,
	}); err != nil {
		return "", err
	}
	if err := m.store.Insert("runtimes", map[string]any{
		"ID": containerID, "Entry": entry, "Daemon": daemon, "Envs": string(envsJSON),
		"Status": int64(types.StatusCreated), "RetCode": int64(0),
	}); err != nil {
		return "", err
	}
	if err := m.store.Insert("schedules", map[string]any{"ID": containerID, "Cron": cron}); err != nil {
		return "", err
	}

	containerDir := filepath.Join(m.cfg.ContainersRootDir, containerID)
	if err := os.MkdirAll(filepath.Join(containerDir, "db"), 0o755); err != nil {
		return "", fmt.Errorf("manager: create container directory: %w", err)
	}
	if err := copyDir(filepath.Join(m.cfg.PackagesRootDir, pkgID), filepath.Join(containerDir, name)); err != nil {
		return "", fmt.Errorf("manager: copy package code: %w", err)
	}

	if err := m.StartContainer(containerID); err != nil {
		return containerID, err
	}
	return containerID, nil
}

// resolveContainer finds a container's (id, name) by any substring of its id (LIKE '%ref%')
// or its exact name, the same lookup TSDAP/spider/manager.py's start/stop/rm use. When
// several rows match, the first one returned wins.
func (m *Manager) resolveContainer(ref string) (id, name string, err error) {
	if err := m.store.SwitchDatabase("containers"); err != nil {
		return "", "", err
	}
	cond := fmt.Sprintf(`WHERE "ID" LIKE '%%%s%%' OR "Name"='%s'`, ref, ref)
	_, rows, err := m.store.Select("infos", cond)
	if err != nil {
		return "", "", err
	}
	if len(rows) == 0 {
		return "", "", fmt.Errorf("manager: spider %q not found locally", ref)
	}
	return str(rows[0]["ID"]), str(rows[0]["Name"]), nil
}

// Start resolves ref to a container and calls StartContainer, which launches the worker
// process and registers it with the Supervisor Monitor. The Monitor's Starter interface calls
// StartContainer directly, by container id, when a cron timer fires.
func (m *Manager) Start(ref string) error {
	id, _, err := m.resolveContainer(ref)
	if err != nil {
		return err
	}
	return m.StartContainer(id)
}

// StartContainer implements supervisor.Starter.
func (m *Manager) StartContainer(containerID string) error {
	if err := m.store.SwitchDatabase("containers"); err != nil {
		return err
	}

	_, infoRows, err := m.store.Select("infos", fmt.Sprintf(`WHERE "ID"='%s'`, containerID))
	if err != nil {
		return err
	}
	if len(infoRows) == 0 {
		return fmt.Errorf("manager: container %q not found locally", containerID)
	}
	containerName := str(infoRows[0]["Name"])

	_, rtRows, err := m.store.Select("runtimes", fmt.Sprintf(`WHERE "ID"='%s'`, containerID))
	if err != nil {
		return err
	}
	entry := str(rtRows[0]["Entry"])
	daemon := boolOf(rtRows[0]["Daemon"])
	var envs map[string]string
	_ = json.Unmarshal([]byte(str(rtRows[0]["Envs"])), &envs)

	_, schedRows, err := m.store.Select("schedules", fmt.Sprintf(`WHERE "ID"='%s'`, containerID))
	if err != nil {
		return err
	}
	cron := str(schedRows[0]["Cron"])

	containerDir := filepath.Join(m.cfg.ContainersRootDir, containerID)
	scbPath := filepath.Join(containerDir, "shares.scb")
	pluginPath := filepath.Join(containerDir, containerName, entry+".so")
	opDBDir := filepath.Join(containerDir, "db")

	cb, err := scb.Create(scbPath, daemon)
	if err != nil {
		return fmt.Errorf("manager: create control block: %w", err)
	}
	if err := cb.SetSpiderDBDir(opDBDir); err != nil {
		_ = cb.Release()
		return err
	}

	cmd := exec.Command(m.workerBinary(), "__worker",
		"--container-id", containerID,
		"--entry", entry,
		"--scb", scbPath,
		"--plugin", pluginPath,
		"--op-root", opDBDir,
		"--data-root", filepath.Join(m.cfg.ContainersRootDir, "..", "data"),
	)
	cmd.Env = append(os.Environ(), envMapToSlice(envs)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = cb.Release()
		return fmt.Errorf("manager: start worker process: %w", err)
	}

	m.monitor.Supervise(&supervisor.Context{
		ContainerID: containerID, ControlBlock: cb, Cron: cron, Daemon: daemon, Wait: cmd.Wait,
	})

	metrics.ContainersRunning.Inc()
	return m.store.Update("runtimes",
		map[string]any{"Status": int64(types.StatusRunning)},
		fmt.Sprintf(`WHERE "ID"='%s'`, containerID))
}

func (m *Manager) workerBinary() string {
	if m.cfg.WorkerBinary != "" {
		return m.cfg.WorkerBinary
	}
	return os.Args[0]
}

// Stop requests the container's worker process to stop via its control block. It does not
// wait for the process to exit; the Supervisor Monitor reaps it on its next poll.
func (m *Manager) Stop(ref string) error {
	id, _, err := m.resolveContainer(ref)
	if err != nil {
		return err
	}

	cb, err := scb.Open(filepath.Join(m.cfg.ContainersRootDir, id, "shares.scb"))
	if err != nil {
		return fmt.Errorf("manager: container %q is not running: %w", ref, err)
	}
	defer cb.Close()
	cb.SetStopEvent()
	return nil
}

// Restart stops and relaunches ref. No wait is interposed between the two: a container that
// has not yet torn down when Start runs again races Stop, matching TSDAP's own restart (see
// DESIGN.md's Open Question decisions for why this is preserved rather than serialized).
func (m *Manager) Restart(ref string) error {
	id, _, err := m.resolveContainer(ref)
	if err != nil {
		return err
	}

	_, rows, err := m.store.Select("runtimes", fmt.Sprintf(`WHERE "ID"='%s'`, id))
	if err != nil {
		return err
	}
	if len(rows) > 0 && types.ContainerStatus(int64Of(rows[0]["Status"])) != types.StatusTerminated {
		if err := m.Stop(ref); err != nil {
			return err
		}
	}
	return m.Start(ref)
}

// Rm removes a terminated container's catalog rows and on-disk directory. A running
// container requires force.
func (m *Manager) Rm(ref string, force bool) error {
	id, _, err := m.resolveContainer(ref)
	if err != nil {
		return err
	}

	_, rows, err := m.store.Select("runtimes", fmt.Sprintf(`WHERE "ID"='%s'`, id))
	if err != nil {
		return err
	}
	if len(rows) > 0 && types.ContainerStatus(int64Of(rows[0]["Status"])) != types.StatusTerminated && !force {
		return fmt.Errorf("manager: container %q is running; use force to remove it", ref)
	}

	for _, table := range []string{"infos", "runtimes", "schedules"} {
		if err := m.store.Delete(table, fmt.Sprintf(`WHERE "ID"='%s'`, id)); err != nil {
			return err
		}
	}
	return os.RemoveAll(filepath.Join(m.cfg.ContainersRootDir, id))
}

// Rmi removes a package's catalog rows and extracted directory.
func (m *Manager) Rmi(pkgNameTag string) error {
	pkgName, pkgTag, ok := strings.Cut(pkgNameTag, ":")
	if !ok {
		return fmt.Errorf("manager: unresolvable package reference %q", pkgNameTag)
	}

	if err := m.store.SwitchDatabase("packages"); err != nil {
		return err
	}
	_, rows, err := m.store.Select("infos", fmt.Sprintf(`WHERE "Name"='%s' AND "Tag"='%s'`, pkgName, pkgTag))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("manager: package %q not found locally", pkgNameTag)
	}
	pkgID := str(rows[0]["ID"])

	if err := os.RemoveAll(filepath.Join(m.cfg.PackagesRootDir, pkgID)); err != nil {
		return err
	}

	if err := m.store.Delete("infos", fmt.Sprintf(`WHERE "Name"='%s' AND "Tag"='%s'`, pkgName, pkgTag)); err != nil {
		return err
	}
	for _, table := range []string{"runtimes", "schedules"} {
		if err := m.store.Delete(table, fmt.Sprintf(`WHERE "ID"='%s'`, pkgID)); err != nil {
			return err
		}
	}
	return nil
}

// Ps lists containers, joined against their runtime status. Terminated containers are
// omitted unless all is set.
func (m *Manager) Ps(all bool) ([]types.Container, error) {
	if err := m.store.SwitchDatabase("containers"); err != nil {
		return nil, err
	}
	cols, rows, err := m.store.Select("infos", `JOIN runtimes ON infos."ID" = runtimes."ID"`)
	if err != nil {
		return nil, err
	}
	_ = cols

	out := make([]types.Container, 0, len(rows))
	for _, r := range rows {
		status := types.ContainerStatus(int64Of(r["Status"]))
		if status == types.StatusTerminated && !all {
			continue
		}

		var envs map[string]string
		_ = json.Unmarshal([]byte(str(r["Envs"])), &envs)

		out = append(out, types.Container{
			ID: str(r["ID"]), PackageRef: str(r["Package"]), Name: str(r["Name"]),
			Entry: str(r["Entry"]), Daemon: boolOf(r["Daemon"]), Envs: envs,
			Status: status, LastReturnCode: types.ReturnCode(int64Of(r["RetCode"])),
		})
	}
	return out, nil
}

// Logs returns a container's logs. For a RUNNING container it first requests the worker's
// live log snapshot through the control block; for every container it then appends the
// MESSAGE column of its persisted operational logs table.
func (m *Manager) Logs(ref string) (string, error) {
	id, _, err := m.resolveContainer(ref)
	if err != nil {
		return "", err
	}

	_, rows, err := m.store.Select("runtimes", fmt.Sprintf(`WHERE "ID"='%s'`, id))
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("manager: container %q not found locally", ref)
	}
	status := types.ContainerStatus(int64Of(rows[0]["Status"]))
	entry := str(rows[0]["Entry"])

	var sb strings.Builder

	if status == types.StatusRunning {
		cb, err := scb.Open(filepath.Join(m.cfg.ContainersRootDir, id, "shares.scb"))
		if err == nil {
			defer cb.Close()
			cb.RequestLogs()
			for cb.LogsRequested() {
				time.Sleep(100 * time.Millisecond)
			}
			sb.WriteString(cb.LogsBuffer())
		}
	}

	opStore, err := catalog.New(filepath.Join(m.cfg.ContainersRootDir, id, "db"), m.logger)
	if err != nil {
		return "", err
	}
	defer opStore.Close()
	if err := opStore.SwitchDatabase(entry); err != nil {
		return "", err
	}

	_, logRows, err := opStore.Select("logs", "")
	if err != nil {
		return "", err
	}

	for _, r := range logRows {
		sb.WriteString(str(r["MESSAGE"]))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func containerID(now time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d", now.UnixNano())))
	return hex.EncodeToString(sum[:])
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func envMapToSlice(envs map[string]string) []string {
	out := make([]string, 0, len(envs))
	for k, v := range envs {
		out = append(out, k+"="+v)
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolOf(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int:
		return b != 0
	default:
		return false
	}
}

func int64Of(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
