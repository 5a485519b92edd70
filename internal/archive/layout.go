package archive

// Layout constants name every file and directory the archive root
// contains (spec §6), so every component derives paths from one
// source of truth instead of hardcoding strings per-package.
const (
	IndexDBName        = "index.db"
	DataDirName        = "data"
	AutoDownloadDBName = "auto_download.db"
	MissingURLDBName   = "404.db"
	ClimoDirName       = "climo"
	ClimoDBName        = "climo.db"
)
