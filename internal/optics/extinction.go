package optics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Extinction is a pair of molar extinction coefficients at one wavelength.
type Extinction struct {
	HbO float64
	HbR float64
}

type extinctionRow struct {
	wavelength float64
	Extinction
}

// ExtinctionTable holds molar extinction coefficients sorted by wavelength.
type ExtinctionTable struct {
	Name string
	// log10 based coefficients, cm^-1 / M
	rows []extinctionRow
}

// Gratzer & Kollias compilation (S. Prahl, OMLC), 10 nm spacing, cm^-1/M.
var gratzer = ExtinctionTable{
	Name: "gratzer",
	rows: []extinctionRow{
		{650, Extinction{368, 3750.12}},
		{660, Extinction{319.6, 3226.56}},
		{670, Extinction{294, 2795.12}},
		{680, Extinction{277.6, 2407.92}},
		{690, Extinction{276, 2051.96}},
		{700, Extinction{290, 1794.28}},
		{710, Extinction{314, 1540.48}},
		{720, Extinction{348, 1325.88}},
		{730, Extinction{390, 1102.2}},
		{740, Extinction{446, 1115.88}},
		{750, Extinction{518, 1405.24}},
		{760, Extinction{586, 1548.52}},
		{770, Extinction{650, 1311.88}},
		{780, Extinction{710, 1075.44}},
		{790, Extinction{756, 890.8}},
		{800, Extinction{816, 761.72}},
		{810, Extinction{864, 717.08}},
		{820, Extinction{916, 693.76}},
		{830, Extinction{974, 693.04}},
		{840, Extinction{1022, 692.36}},
		{850, Extinction{1058, 691.32}},
		{860, Extinction{1092, 694.32}},
		{870, Extinction{1128, 705.84}},
		{880, Extinction{1154, 726.44}},
		{890, Extinction{1178, 743.6}},
		{900, Extinction{1198, 761.84}},
		{910, Extinction{1214, 774.56}},
		{920, Extinction{1224, 777.36}},
		{930, Extinction{1222, 763.84}},
		{940, Extinction{1214, 693.44}},
		{950, Extinction{1204, 602.24}},
		{960, Extinction{1186, 525.56}},
		{970, Extinction{1162, 429.32}},
		{980, Extinction{1128, 359.656}},
		{990, Extinction{1080, 283.22}},
		{1000, Extinction{1024, 206.784}},
	},
}

var (
	tablesMu         sync.RWMutex
	extinctionTables = map[string]*ExtinctionTable{
		gratzer.Name: &gratzer,
	}
)

// DefaultExtinctionTable is used when no table name is configured.
const DefaultExtinctionTable = "gratzer"

type UnsupportedWavelengthError struct {
	Wavelength float64
	Table      string
}

func (e *UnsupportedWavelengthError) Error() string {
	return fmt.Sprintf("[optics] wavelength %.1f nm is not covered by extinction table %q", e.Wavelength, e.Table)
}

type UnknownTableError struct {
	Name string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("[optics] unknown extinction coefficient table %q", e.Name)
}

// LookupTable returns the named table. An empty name selects DefaultExtinctionTable.
func LookupTable(name string) (*ExtinctionTable, error) {
	if name == "" {
		name = DefaultExtinctionTable
	}
	tablesMu.RLock()
	t, ok := extinctionTables[name]
	tablesMu.RUnlock()
	if !ok {
		return nil, &UnknownTableError{Name: name}
	}
	return t, nil
}

// Lookup returns natural-log coefficients at the given wavelength, linearly
// interpolated between table rows.
func (t *ExtinctionTable) Lookup(wavelength float64) (Extinction, error) {
	n := len(t.rows)
	if n == 0 || math.IsNaN(wavelength) || wavelength < t.rows[0].wavelength || wavelength > t.rows[n-1].wavelength {
		return Extinction{}, &UnsupportedWavelengthError{Wavelength: wavelength, Table: t.Name}
	}

	i := sort.Search(n, func(i int) bool { return t.rows[i].wavelength >= wavelength })
	hi := t.rows[i]
	if hi.wavelength == wavelength || i == 0 {
		return hi.Extinction.natural(), nil
	}

	lo := t.rows[i-1]
	frac := (wavelength - lo.wavelength) / (hi.wavelength - lo.wavelength)
	e := Extinction{
		HbO: lo.HbO + frac*(hi.HbO-lo.HbO),
		HbR: lo.HbR + frac*(hi.HbR-lo.HbR),
	}
	return e.natural(), nil
}

// natural converts decadic coefficients for use with natural-log optical density.
func (e Extinction) natural() Extinction {
	return Extinction{HbO: e.HbO * math.Ln10, HbR: e.HbR * math.Ln10}
}

// extinctionTableFile is the YAML form of a coefficient table:
//
//	name: wray
//	scale: 1     # multiplier to cm^-1/M, e.g. 1000 for per-mM data
//	rows:
//	  - [650, 368, 3750.12]   # wavelength nm, HbO, HbR (log10 based)
type extinctionTableFile struct {
	Name  string      `yaml:"name"`
	Scale float64     `yaml:"scale"`
	Rows  [][]float64 `yaml:"rows"`
}

// ParseExtinctionTable reads a YAML coefficient table. Rows may come in any
// order; wavelengths must be unique.
func ParseExtinctionTable(data []byte) (*ExtinctionTable, error) {
	var file extinctionTableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("[optics] parsing extinction table: %w", err)
	}
	if file.Name == "" {
		return nil, errors.New("[optics] extinction table has no name")
	}
	if file.Scale == 0 {
		file.Scale = 1
	}
	if !(file.Scale > 0) || math.IsInf(file.Scale, 0) {
		return nil, fmt.Errorf("[optics] extinction table %q: scale must be positive, got %v", file.Name, file.Scale)
	}
	if len(file.Rows) < 2 {
		return nil, fmt.Errorf("[optics] extinction table %q needs at least 2 rows, got %d", file.Name, len(file.Rows))
	}

	t := &ExtinctionTable{Name: file.Name}
	for i, r := range file.Rows {
		if len(r) != 3 {
			return nil, fmt.Errorf("[optics] extinction table %q row %d: want [wavelength, hbo, hbr], got %v", file.Name, i, r)
		}
		for _, v := range r {
			if !(v >= 0) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("[optics] extinction table %q row %d: values must be finite and non-negative, got %v", file.Name, i, r)
			}
		}
		t.rows = append(t.rows, extinctionRow{
			wavelength: r[0],
			Extinction: Extinction{HbO: r[1] * file.Scale, HbR: r[2] * file.Scale},
		})
	}

	sort.Slice(t.rows, func(i, j int) bool { return t.rows[i].wavelength < t.rows[j].wavelength })
	for i := 1; i < len(t.rows); i++ {
		if t.rows[i].wavelength == t.rows[i-1].wavelength {
			return nil, fmt.Errorf("[optics] extinction table %q lists %.1f nm twice", file.Name, t.rows[i].wavelength)
		}
	}
	return t, nil
}

// RegisterExtinctionTable makes t available to LookupTable under t.Name.
// A later registration under the same name replaces the earlier one; the
// built-in table cannot be replaced.
func RegisterExtinctionTable(t *ExtinctionTable) error {
	if t == nil || t.Name == "" {
		return errors.New("[optics] cannot register an unnamed extinction table")
	}
	if t.Name == gratzer.Name {
		return fmt.Errorf("[optics] extinction table %q is built in", t.Name)
	}
	tablesMu.Lock()
	defer tablesMu.Unlock()
	extinctionTables[t.Name] = t
	return nil
}

// ExtinctionTables lists the registered table names in sorted order.
func ExtinctionTables() []string {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	names := make([]string, 0, len(extinctionTables))
	for name := range extinctionTables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
