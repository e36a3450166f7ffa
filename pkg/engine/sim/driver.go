// Package sim provides a simulated package engine driven by a YAML
// scenario. It is used for development, dry runs and tests of everything
// that sits on top of the engine interface.
//
// Importing the package registers the driver as "simulated". The registered
// driver reads its scenario from the file named by UPGRADER_SIM_SCENARIO at
// Open time; NewDriver builds a driver around an explicit scenario.
package sim

import (
	"os"

	"github.com/openfroyo/upgrader/pkg/engine"
)

const (
	// DriverName is the name the driver registers under.
	DriverName = "simulated"
	// ScenarioEnv names the scenario file used by the registered driver.
	ScenarioEnv = "UPGRADER_SIM_SCENARIO"
)

func init() {
	engine.Register(DriverName, &Driver{})
}

// Driver opens simulated handles. Every handle starts from the scenario;
// changes committed through one handle are not seen by the next.
type Driver struct {
	scenario *Scenario
}

// NewDriver creates a driver for the given scenario.
func NewDriver(sc *Scenario) *Driver {
	return &Driver{scenario: sc}
}

// Open implements engine.Driver.
func (d *Driver) Open(root, dbPath string) (engine.Handle, error) {
	sc := d.scenario
	if sc == nil {
		var err error
		if sc, err = scenarioFromEnv(); err != nil {
			return nil, &engine.Error{Code: engine.ErrSystem, Err: err}
		}
	}
	if root == "" || dbPath == "" {
		return nil, engine.NewError(engine.ErrWrongArgs)
	}
	if sc.OpenError != "" {
		return nil, engine.NewError(sc.OpenError)
	}
	return newHandle(sc, root, dbPath), nil
}

// OpenSim is Open with the concrete handle type.
func (d *Driver) OpenSim(root, dbPath string) (*Handle, error) {
	h, err := d.Open(root, dbPath)
	if err != nil {
		return nil, err
	}
	return h.(*Handle), nil
}

func scenarioFromEnv() (*Scenario, error) {
	path := os.Getenv(ScenarioEnv)
	if path == "" {
		return &Scenario{}, nil
	}
	return LoadScenario(path)
}
