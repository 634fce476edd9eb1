package bpcpool

import (
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// maxHardlinkDepth bounds hardlink-chain recursion (section 9: "a
// reader cannot verify... resolution must bound recursion depth
// (suggested limit 40)").
const maxHardlinkDepth = 40

// View is the composed read API of section 4.6: list/stat/open over
// hosts, numbered backups, shares, and paths, merging incremental
// backups against their reference chain and resolving same-pool
// hardlinks. A View owns its directory-listing cache; it holds no
// other mutable state and is safe for concurrent use by many callers
// (section 5).
type View struct {
	topdir string
	dirs   *dirCache
}

// NewView constructs a View rooted at topdir, with a directory-listing
// cache of the given capacity (0 selects the section 4.6 default of
// 256 entries).
func NewView(topdir string, dirCacheSize int) (v *View, err error) {
	defer Return(&err)
	dirs, err := newDirCache(dirCacheSize)
	Ck(err)
	v = &View{topdir: topdir, dirs: dirs}
	return
}

// normalizePath strips leading/trailing slashes so internal path
// strings match the bare (no leading "/") form attrib records store
// entry names in: a share entry's own Name is "home" or
// "home/user/docs", never "/home" (section 4.9's design note that
// share names may embed "/" and must not be tokenized before
// matching).
func normalizePath(path string) string {
	return strings.Trim(path, "/")
}

// attribPath locates the on-disk attrib file describing one
// directory's children (section 6.1): the backup root at
// topdir/pc/host/n/attrib, or a deeper directory at
// topdir/pc/host/n/<share>/<segments...>/attrib. Every directory, filled
// or not, carries its own attrib file at the path that names it; an
// unfilled incremental simply omits the file for any directory it
// never touched, which is what drives the merge rule in
// mergedDirChildren.
func (v *View) attribPath(host string, n int, share string, segments []string) string {
	parts := []string{v.topdir, "pc", host, strconv.Itoa(n)}
	if share != "" {
		parts = append(parts, strings.Split(share, "/")...)
	}
	parts = append(parts, segments...)
	parts = append(parts, "attrib")
	return filepath.Join(parts...)
}

// loadBackupContext fetches backup n's own record and the full set of
// backup records for host, the latter needed to walk a reference chain
// (section 3's invariant that the chain terminates at a full backup).
func (v *View) loadBackupContext(host string, n int) (rec BackupRecord, recs map[int]BackupRecord, err error) {
	defer Return(&err)
	all, err := ListBackups(v.topdir, host)
	Ck(err)
	recs = make(map[int]BackupRecord, len(all))
	for _, r := range all {
		recs[r.Num] = r
	}
	rec, ok := recs[n]
	if !ok {
		return rec, nil, newErr(KindNotFound, host+"#"+strconv.Itoa(n), nil)
	}
	return rec, recs, nil
}

// ownDirChildren loads the directory's children as this specific
// backup's own on-disk attrib records it, with no merging. A missing
// attrib file is reported as NotFound, which mergedDirChildren treats
// as "this backup doesn't have its own version of this directory" --
// the signal to inherit wholly from the reference chain.
func (v *View) ownDirChildren(host string, n int, share string, segments []string) ([]FileAttr, error) {
	path := v.attribPath(host, n, share, segments)
	return loadAttribFromDisk(v.topdir, path)
}

// mergedDirChildren returns the children of one directory (named by
// share+segments) within backup n, applying section 4.6 point 4's
// incremental merge rule when the backup is unfilled: the union of the
// backup's own entries with the reference chain's entries at the same
// path, current-backup entries winning conflicts, "deleted" markers
// suppressing the reference's entry of the same name. It recurses
// through the reference chain so a multi-level chain of incrementals
// resolves correctly, and caches the merged result (section 4.6:
// "Cache entries are immutable").
func (v *View) mergedDirChildren(host string, rec BackupRecord, recs map[int]BackupRecord, share string, segments []string) (entries []FileAttr, err error) {
	defer Return(&err)

	canon := share
	if len(segments) > 0 {
		canon = share + "/" + strings.Join(segments, "/")
	}
	key := dirCacheKey{host: host, backup: rec.Num, path: canon}
	if cached, ok := v.dirs.get(key); ok {
		return cached, nil
	}

	own, ownErr := v.ownDirChildren(host, rec.Num, share, segments)

	if rec.Filled {
		if ownErr != nil {
			return nil, ownErr
		}
		v.dirs.put(key, own)
		return own, nil
	}

	var ref []FileAttr
	if refRec, ok := recs[rec.RefNum]; ok {
		ref, err = v.mergedDirChildren(host, refRec, recs, share, segments)
		if err != nil {
			if !isNotFound(err) {
				return nil, err
			}
			ref = nil
		}
	} else {
		log.Warnf("%s backup %d: reference backup %d not found, using current entries only",
			host, rec.Num, rec.RefNum)
	}

	if ownErr != nil {
		if !isNotFound(ownErr) {
			return nil, ownErr
		}
		v.dirs.put(key, ref)
		return ref, nil
	}

	merged := mergeEntries(own, ref)
	v.dirs.put(key, merged)
	return merged, nil
}

// mergeEntries implements the union-with-override-and-delete rule:
// the reference's entries form the base, the current backup's entries
// override by name, and any current entry of type deleted removes that
// name from the result entirely (it is not re-added from the
// reference). Ordering favors the reference's on-disk order followed by
// names the current backup introduced, which is deterministic though
// not itself a spec-mandated order (only a single backup's own attrib
// record order is, per section 5).
func mergeEntries(own, ref []FileAttr) []FileAttr {
	byName := make(map[string]FileAttr, len(own)+len(ref))
	order := make([]string, 0, len(own)+len(ref))
	deleted := make(map[string]bool, len(own))

	for _, e := range ref {
		name := string(e.Name)
		byName[name] = e
		order = append(order, name)
	}
	for _, e := range own {
		name := string(e.Name)
		if e.Type == FileTypeDeleted {
			deleted[name] = true
			delete(byName, name)
			continue
		}
		if _, existed := byName[name]; !existed {
			order = append(order, name)
		}
		byName[name] = e
	}

	result := make([]FileAttr, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		if seen[name] || deleted[name] {
			continue
		}
		seen[name] = true
		if e, ok := byName[name]; ok {
			result = append(result, e)
		}
	}
	return result
}

// matchShare finds the longest entry in rootEntries whose name is a
// prefix of fullPath, per section 4.6 point 3. Shares may embed "/" in
// their own name, so this compares against the raw path string rather
// than a tokenized path.
func matchShare(rootEntries []FileAttr, fullPath string) (share string, ok bool) {
	best := -1
	for _, e := range rootEntries {
		if e.Type != FileTypeDirectory {
			continue
		}
		name := string(e.Name)
		if name == fullPath || strings.HasPrefix(fullPath, name+"/") {
			if len(name) > best {
				best = len(name)
				share = name
				ok = true
			}
		}
	}
	return
}

func splitRemainder(fullPath, share string) []string {
	rest := strings.TrimPrefix(fullPath, share)
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func findByName(entries []FileAttr, name string) (FileAttr, bool) {
	for _, e := range entries {
		if string(e.Name) == name {
			return e, true
		}
	}
	return FileAttr{}, false
}

func isNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindNotFound
}

// injectShareMounts adds a synthetic directory entry for every share
// that mounts strictly beneath fullDirPath but isn't otherwise a real
// child there (section 4.9 / scenario 4: a share like "home/user/docs"
// must appear as a "docs" entry when listing "home/user" even though
// nothing under "home"'s own tree names it).
func injectShareMounts(rootEntries []FileAttr, fullDirPath string, entries []FileAttr) []FileAttr {
	prefix := fullDirPath + "/"
	if fullDirPath == "" {
		prefix = ""
	}
	for _, r := range rootEntries {
		if r.Type != FileTypeDirectory {
			continue
		}
		name := string(r.Name)
		if name == fullDirPath || !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		mountName := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			mountName = rest[:idx]
		}
		if _, exists := findByName(entries, mountName); exists {
			continue
		}
		entries = append(entries, FileAttr{
			Name: []byte(mountName),
			Type: FileTypeDirectory,
		})
	}
	return entries
}

// resolveEntry follows a hardlink entry to its target (section 4.6
// point 5), preserving the link's own Name. depth bounds cyclic
// hardlink chains (section 9).
func (v *View) resolveEntry(host string, rec BackupRecord, recs map[int]BackupRecord, e FileAttr, depth int) (out FileAttr, err error) {
	defer Return(&err)
	if e.Type != FileTypeHardlink {
		return e, nil
	}
	if depth >= maxHardlinkDepth {
		return out, wrapf(KindCorruptAttrib, string(e.Name), nil,
			"hardlink chain exceeds depth %d", maxHardlinkDepth)
	}
	target, err := v.statPath(host, rec, recs, e.LinkTarget, depth+1)
	Ck(err)
	target.Name = e.Name
	return target, nil
}

func (v *View) resolveEntries(host string, rec BackupRecord, recs map[int]BackupRecord, entries []FileAttr, depth int) ([]FileAttr, error) {
	out := make([]FileAttr, len(entries))
	for i, e := range entries {
		resolved, err := v.resolveEntry(host, rec, recs, e, depth)
		if err != nil {
			log.Warnf("keeping unresolvable hardlink %q unresolved: %v", e.Name, err)
			out[i] = e
			continue
		}
		out[i] = resolved
	}
	return out, nil
}

// statPath is the shared implementation behind Stat and hardlink
// resolution, taking an already-resolved backup context and a
// recursion depth so hardlink chains stay bounded.
func (v *View) statPath(host string, rec BackupRecord, recs map[int]BackupRecord, path string, depth int) (attr FileAttr, err error) {
	defer Return(&err)

	fullPath := normalizePath(path)
	rootEntries, err := v.mergedDirChildren(host, rec, recs, "", nil)
	Ck(err)

	if fullPath == "" {
		return FileAttr{Name: []byte("/"), Type: FileTypeDirectory}, nil
	}

	share, ok := matchShare(rootEntries, fullPath)
	if !ok {
		return attr, newErr(KindNotFound, path, nil)
	}
	segments := splitRemainder(fullPath, share)

	var parentEntries []FileAttr
	var name string
	if len(segments) == 0 {
		parentEntries = rootEntries
		name = share
	} else {
		parentEntries, err = v.mergedDirChildren(host, rec, recs, share, segments[:len(segments)-1])
		Ck(err)
		name = segments[len(segments)-1]
	}

	entry, found := findByName(parentEntries, name)
	if !found {
		return attr, newErr(KindNotFound, path, nil)
	}
	return v.resolveEntry(host, rec, recs, entry, depth)
}

// Stat returns the FileAttr for path within backup n of host (section
// 6.4's View::stat).
func (v *View) Stat(host string, n int, path string) (attr FileAttr, err error) {
	defer Return(&err)
	rec, recs, err := v.loadBackupContext(host, n)
	Ck(err)
	attr, err = v.statPath(host, rec, recs, path, 0)
	Ck(err)
	return
}

// List returns the children of the directory at path within backup n
// of host (section 6.4's View::list), including synthetic entries for
// any share that mounts strictly beneath path and hardlink targets
// resolved in place.
func (v *View) List(host string, n int, path string) (entries []FileAttr, err error) {
	defer Return(&err)
	rec, recs, err := v.loadBackupContext(host, n)
	Ck(err)

	fullPath := normalizePath(path)
	rootEntries, err := v.mergedDirChildren(host, rec, recs, "", nil)
	Ck(err)

	if fullPath == "" {
		entries, err = v.resolveEntries(host, rec, recs, rootEntries, 0)
		Ck(err)
		return
	}

	share, ok := matchShare(rootEntries, fullPath)
	if !ok {
		return nil, newErr(KindNotFound, path, nil)
	}
	segments := splitRemainder(fullPath, share)

	dirEntries, err := v.mergedDirChildren(host, rec, recs, share, segments)
	Ck(err)

	dirEntries, err = v.resolveEntries(host, rec, recs, dirEntries, 0)
	Ck(err)

	entries = injectShareMounts(rootEntries, fullPath, dirEntries)
	return
}

// ListShares returns the top-level share names of backup n, union-
// merged with the reference chain's shares when n is unfilled (section
// 4.6's listShares, fixing the historical bug it describes).
func (v *View) ListShares(host string, n int) (shares []string, err error) {
	defer Return(&err)
	rec, recs, err := v.loadBackupContext(host, n)
	Ck(err)
	rootEntries, err := v.mergedDirChildren(host, rec, recs, "", nil)
	Ck(err)
	for _, e := range rootEntries {
		if e.Type == FileTypeDirectory {
			shares = append(shares, string(e.Name))
		}
	}
	return
}

// Open returns a ReadHandle over the regular file at path within
// backup n of host (section 6.4's View::open), delegating to the File
// Reader with the digest chain captured from the resolved FileAttr.
func (v *View) Open(host string, n int, path string) (h *ReadHandle, err error) {
	defer Return(&err)
	attr, err := v.Stat(host, n, path)
	Ck(err)
	if attr.Type != FileTypeFile {
		return nil, wrapf(KindNotFound, path, nil, "not a regular file: %s", attr.Type)
	}
	h, err = OpenFile(v.topdir, attr.Digest, attr.Size, attr.ExtraDigests)
	Ck(err)
	return
}
