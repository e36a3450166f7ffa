package engine

// Driver opens engine handles.
type Driver interface {
	// Open initializes the engine for the given root and database path.
	Open(root, dbPath string) (Handle, error)
}

// Handle is an initialized engine instance. A handle is not safe for
// concurrent use; the broker confines it to a single worker goroutine.
type Handle interface {
	// SetCallbacks registers the callback hooks.
	SetCallbacks(cb Callbacks)

	// Capabilities reports optional engine features.
	CanDownload() bool

	SetLogFile(path string) error
	SetGPGDir(path string) error
	SetCacheDirs(paths []string) error
	SetDefaultSigLevel(level SigLevel) error

	SetArch(arch string)
	Arch() string
	SetCheckSpace(enabled bool)
	SetUseSyslog(enabled bool)
	SetDeltaRatio(ratio float64)
	SetIgnorePkgs(names []string)
	SetIgnoreGroups(names []string)
	SetNoUpgrade(patterns []string)
	SetNoExtract(patterns []string)

	// RegisterSyncDB registers a sync database.
	RegisterSyncDB(name string, level SigLevel) (DB, error)
	// SyncDBs returns registered sync databases in registration order.
	SyncDBs() []DB
	// LocalDB returns the database of installed packages.
	LocalDB() DB

	TransInit(flags TransFlag) error
	SyncSysupgrade(enableDowngrade bool) error
	TransPrepare() error
	TransCommit() error
	TransRelease() error
	// TransAdd returns the packages the open transaction installs or upgrades.
	TransAdd() []*Package
	// TransRemove returns the packages the open transaction removes.
	TransRemove() []*Package

	// LogAction appends a line to the engine's action log.
	LogAction(prefix, msg string) error

	// Release frees the handle. It must not be used afterwards.
	Release() error
}

// DB is a package database.
type DB interface {
	Name() string
	AddServer(url string) error
	Servers() []string
	// Valid reports an error if the database is invalid or corrupted.
	Valid() error
	// Update refreshes the database from its servers.
	Update(force bool) (UpdateResult, error)
	// Package returns the package with the given name, or nil.
	Package(name string) *Package
	Packages() []*Package
}
