package bpcpool

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// HostEntry is a subdirectory of topdir/pc whose validity is
// established by the presence of a readable "backups" file (section
// 4.5).
type HostEntry struct {
	Name string
}

// BackupRecord is one row of topdir/pc/<host>/backups (section 3). The
// backups file carries more columns than spec.md names explicitly;
// named fields below are spec.md's data model, and Extra carries every
// column verbatim so a caller can recover BackupPC-version-specific
// fields (nFiles, xferMethod, charset, version, ...) this catalog does
// not promote to a named field.
type BackupRecord struct {
	Num       int
	Type      string // "full" or "incr"
	StartTime int64
	EndTime   int64
	Level     int
	RefNum    int  // fillFromNum; meaningful only when Type == "incr"
	Filled    bool // true unless the backups row's noFill flag is set
	Extra     []string
}

// backups-file column indices, grounded on original_source/src/hosts.rs
// (SPEC_FULL.md's "Supplemented from original_source/"): 25
// tab-separated columns, of which spec.md's data model names number,
// type, start/end time, level, reference number, and the filled flag.
const (
	colNum        = 0
	colType       = 1
	colStartTime  = 2
	colEndTime    = 3
	colNoFill     = 17
	colFillFrom   = 18
	colLevel      = 21
	minBackupCols = 22
)

// ListHosts enumerates topdir/pc's subdirectories that qualify as hosts
// (section 4.5).
func ListHosts(topdir string) (hosts []HostEntry, err error) {
	defer Return(&err)
	pcDir := filepath.Join(topdir, "pc")
	dirEntries, err := os.ReadDir(pcDir)
	Ck(err)

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		backupsPath := filepath.Join(pcDir, de.Name(), "backups")
		if f, ferr := os.Open(backupsPath); ferr == nil {
			f.Close()
			hosts = append(hosts, HostEntry{Name: de.Name()})
		}
	}
	return
}

// ListBackups parses topdir/pc/<host>/backups (section 4.5), returning
// records sorted ascending by backup number. A line with a malformed
// backup number is skipped with a warning (section 4.5); any other
// structural problem (too few columns to locate the fields this catalog
// names) fails the whole call with CorruptIndex.
func ListBackups(topdir, host string) (records []BackupRecord, err error) {
	defer Return(&err)
	path := filepath.Join(topdir, "pc", host, "backups")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newErr(KindNotFound, path, err)
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, ok, perr := parseBackupLine(line)
		if perr != nil {
			return nil, wrapf(KindCorruptIndex, path, perr, "line %d", lineNum)
		}
		if !ok {
			log.Warnf("%s:%d: malformed backup number, skipping", path, lineNum)
			continue
		}
		records = append(records, rec)
	}
	Ck(scanner.Err())

	sort.Slice(records, func(i, j int) bool { return records[i].Num < records[j].Num })
	return
}

// parseBackupLine decodes one tab-separated row. ok is false (with a
// nil error) exactly when the backup-number column itself fails to
// parse, the one malformed-line case section 4.5 says to skip rather
// than fail the whole catalog read.
func parseBackupLine(line string) (rec BackupRecord, ok bool, err error) {
	fields := strings.Split(line, "\t")
	if len(fields) < minBackupCols {
		return rec, false, errf("expected at least %d columns, got %d", minBackupCols, len(fields))
	}

	num, perr := strconv.Atoi(fields[colNum])
	if perr != nil {
		return rec, false, nil
	}

	rec.Num = num
	rec.Type = fields[colType]
	rec.StartTime, _ = strconv.ParseInt(fields[colStartTime], 10, 64)
	rec.EndTime, _ = strconv.ParseInt(fields[colEndTime], 10, 64)
	rec.Level, _ = strconv.Atoi(fields[colLevel])
	rec.RefNum, _ = strconv.Atoi(fields[colFillFrom])
	rec.Filled = fields[colNoFill] == "0"
	rec.Extra = fields
	return rec, true, nil
}

// errf is a tiny local helper so catalog.go doesn't need to pull in
// fmt.Errorf alongside the package's pkg/errors-based Error type for
// this one internal failure; it is classified CorruptIndex, and
// ListBackups wraps it once more with the same kind.
func errf(format string, args ...interface{}) error {
	return wrapf(KindCorruptIndex, "", nil, format, args...)
}

// Catalog is the section 6.4 Catalog collaborator: hosts(), backups(),
// shares(). It is a thin wrapper over ListHosts/ListBackups and a View,
// rebuilt on demand per section 3's lifecycle note ("The hosts catalog
// is rebuilt on demand").
type Catalog struct {
	topdir string
	view   *View
}

// NewCatalog constructs a Catalog rooted at topdir. view may be nil, in
// which case Shares builds its own View with the default directory
// cache size; pass an existing View to share its cache with direct
// View callers.
func NewCatalog(topdir string, view *View) (c *Catalog, err error) {
	defer Return(&err)
	if view == nil {
		view, err = NewView(topdir, defaultDirCacheSize)
		Ck(err)
	}
	c = &Catalog{topdir: topdir, view: view}
	return
}

// Hosts enumerates the pool's hosts (section 6.4's Catalog::hosts).
func (c *Catalog) Hosts() ([]HostEntry, error) {
	return ListHosts(c.topdir)
}

// Backups lists host's backup records (section 6.4's
// Catalog::backups).
func (c *Catalog) Backups(host string) ([]BackupRecord, error) {
	return ListBackups(c.topdir, host)
}

// Shares lists backup n's share names, merged against the reference
// chain when unfilled (section 6.4's Catalog::shares, section 4.6's
// listShares).
func (c *Catalog) Shares(host string, n int) ([]string, error) {
	return c.view.ListShares(host, n)
}
