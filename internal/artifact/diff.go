package artifact

import "sort"

// Diff classifies every path across two bundles.
type Diff struct {
	Identical bool     `json:"identical"`
	Added     []string `json:"added"`
	Deleted   []string `json:"deleted"`
	Changed   []string `json:"changed"`
	Unchanged []string `json:"unchanged"`
}

// DiffBundles compares two indices path by path. A path present in both with
// a differing content hash is changed; hash-equal paths are unchanged.
func DiffBundles(a, b *Index) *Diff {
	d := &Diff{}
	if a == nil || b == nil {
		return d
	}

	oldFiles := make(map[string]string, len(a.Files))
	for _, f := range a.Files {
		oldFiles[f.Path] = f.SHA256
	}
	newFiles := make(map[string]string, len(b.Files))
	for _, f := range b.Files {
		newFiles[f.Path] = f.SHA256
	}

	for p, hash := range newFiles {
		oldHash, ok := oldFiles[p]
		switch {
		case !ok:
			d.Added = append(d.Added, p)
		case oldHash != hash:
			d.Changed = append(d.Changed, p)
		default:
			d.Unchanged = append(d.Unchanged, p)
		}
	}
	for p := range oldFiles {
		if _, ok := newFiles[p]; !ok {
			d.Deleted = append(d.Deleted, p)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Deleted)
	sort.Strings(d.Changed)
	sort.Strings(d.Unchanged)

	d.Identical = len(d.Added) == 0 && len(d.Deleted) == 0 && len(d.Changed) == 0
	return d
}
