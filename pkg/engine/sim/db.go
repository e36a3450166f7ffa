package sim

import (
	"fmt"
	"net/url"

	"github.com/openfroyo/upgrader/pkg/engine"
)

// db is a simulated package database.
type db struct {
	h        *Handle
	name     string
	level    engine.SigLevel
	servers  []string
	packages []*engine.Package
	spec     *RepositorySpec
	synced   bool
}

func (d *db) Name() string { return d.name }

func (d *db) AddServer(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &engine.Error{Code: engine.ErrServerBadURL, Err: err}
	}
	switch u.Scheme {
	case "http", "https", "ftp", "file":
	default:
		return &engine.Error{Code: engine.ErrServerBadURL, Err: fmt.Errorf("unsupported scheme in %q", raw)}
	}
	d.servers = append(d.servers, raw)
	return nil
}

func (d *db) Servers() []string {
	return append([]string(nil), d.servers...)
}

func (d *db) Valid() error {
	if d.spec != nil && d.spec.Invalid {
		return engine.NewError(engine.ErrDBInvalid)
	}
	return nil
}

func (d *db) Update(force bool) (engine.UpdateResult, error) {
	if d.spec == nil && d.name == localDBName {
		return engine.Updated, engine.NewError(engine.ErrWrongArgs)
	}
	if len(d.servers) == 0 {
		return engine.Updated, engine.NewError(engine.ErrServerNone)
	}
	if d.spec == nil {
		return engine.Updated, engine.NewError(engine.ErrRetrieve)
	}

	switch d.spec.Update {
	case "fail":
		code := d.spec.Error
		if code == "" {
			code = engine.ErrRetrieve
		}
		d.h.log(engine.LogError, fmt.Sprintf("failed retrieving file '%s.db' from all mirrors\n", d.name))
		return engine.Updated, engine.NewError(code)
	case "uptodate":
		if !force {
			return engine.UpToDate, nil
		}
	default:
		if d.synced && !force {
			return engine.UpToDate, nil
		}
	}

	file := d.name + ".db"
	size := int64(1024 * len(d.packages))
	d.h.download(file, 0, size)
	d.h.download(file, size, size)
	d.synced = true
	return engine.Updated, nil
}

func (d *db) Package(name string) *engine.Package {
	return engine.FindPackage(d.packages, name)
}

func (d *db) Packages() []*engine.Package {
	return append([]*engine.Package(nil), d.packages...)
}

func (d *db) remove(name string) {
	for i, p := range d.packages {
		if p.Name == name {
			d.packages = append(d.packages[:i], d.packages[i+1:]...)
			return
		}
	}
}

func (d *db) put(pkg *engine.Package) {
	cp := *pkg
	cp.DB = d.name
	for i, p := range d.packages {
		if p.Name == pkg.Name {
			d.packages[i] = &cp
			return
		}
	}
	d.packages = append(d.packages, &cp)
}
