package dqmc

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dqmc/lattice"
	"github.com/fumin/dqmc/measure"
	"github.com/fumin/dqmc/util"
)

// Measurements are sign weighted equal-time observables per site.
// Every observable except Sign accumulates sign·value.
type Measurements struct {
	Sign            *measure.Observable
	Density         *measure.Observable
	Magnetization   *measure.Observable
	DoubleOccupancy *measure.Observable
	Kinetic         *measure.Observable
	Interaction     *measure.Observable

	// StaggeredDensity and StaggeredMagnetization weigh each site by +1 or -1 with the parity of x+y+z.
	StaggeredDensity       *measure.Observable
	StaggeredMagnetization *measure.Observable
	// SpinCorrelation[k-1] is ⟨Sᶻ_i·Sᶻ_j⟩ averaged over sites i, j the site k steps along x from i.
	SpinCorrelation []*measure.Observable
	// DensityUp and DensityDown are the occupations of every site.
	DensityUp   []*measure.Observable
	DensityDown []*measure.Observable

	lattice lattice.Lattice
	parity  []float64
	hopping *mat.Dense
	u       float64
}

// NewMeasurements returns empty measurements for the model of p.
func NewMeasurements(p Params) *Measurements {
	p = p.Normalize()
	m := &Measurements{
		Sign:                   measure.New("sign"),
		Density:                measure.New("density"),
		Magnetization:          measure.New("magnetization"),
		DoubleOccupancy:        measure.New("double_occupancy"),
		Kinetic:                measure.New("kinetic"),
		Interaction:            measure.New("interaction"),
		StaggeredDensity:       measure.New("staggered_density"),
		StaggeredMagnetization: measure.New("staggered_magnetization"),
		lattice:                p.Lattice,
		hopping:                p.Hopping(),
		u:                      p.U,
	}
	for k := 1; k <= p.Lx/2; k++ {
		m.SpinCorrelation = append(m.SpinCorrelation, measure.New(fmt.Sprintf("spin_correlation_%d", k)))
	}
	for i := range p.Volume() {
		m.DensityUp = append(m.DensityUp, measure.New(fmt.Sprintf("density_up_%d", i)))
		m.DensityDown = append(m.DensityDown, measure.New(fmt.Sprintf("density_down_%d", i)))
		m.parity = append(m.parity, parity(p.Lattice, i))
	}
	return m
}

func parity(l lattice.Lattice, i int) float64 {
	x, y, z := l.Coordinates(i)
	if (x+y+z)%2 == 0 {
		return 1
	}
	return -1
}

// Measure samples the observables of the current configuration.
func (m *Measurements) Measure(s *Simulation) error {
	up, err := s.DensityMatrix(Up)
	if err != nil {
		return errors.Wrap(err, "")
	}
	down, err := s.DensityMatrix(Down)
	if err != nil {
		return errors.Wrap(err, "")
	}
	_, sign := s.LogProbability()

	v, _ := up.Dims()
	fv := float64(v)
	var docc, stagUp, stagDown float64
	for i := 0; i < v; i++ {
		docc += up.At(i, i) * down.At(i, i)
		stagUp += m.parity[i] * up.At(i, i)
		stagDown += m.parity[i] * down.At(i, i)
	}
	rho, kin := &mat.Dense{}, &mat.Dense{}
	rho.Add(up, down)
	kin.Mul(m.hopping, rho)

	nUp, nDown := mat.Trace(up), mat.Trace(down)
	type value struct {
		o *measure.Observable
		x float64
	}
	values := []value{
		{o: m.Density, x: (nUp + nDown) / fv},
		{o: m.Magnetization, x: (nUp - nDown) / fv},
		{o: m.DoubleOccupancy, x: docc / fv},
		{o: m.Kinetic, x: mat.Trace(kin) / fv},
		{o: m.Interaction, x: -m.u * docc / fv},
		{o: m.StaggeredDensity, x: (stagUp + stagDown) / fv},
		{o: m.StaggeredMagnetization, x: (stagUp - stagDown) / fv},
	}
	for k, o := range m.SpinCorrelation {
		values = append(values, value{o: o, x: spinCorrelation(m.lattice, up, down, k+1) / fv})
	}
	for i := 0; i < v; i++ {
		values = append(values, value{o: m.DensityUp[i], x: up.At(i, i)}, value{o: m.DensityDown[i], x: down.At(i, i)})
	}
	for _, val := range values {
		if math.IsNaN(val.x) || math.IsInf(val.x, 0) {
			return errors.Wrapf(ErrNumericalInstability, "%s %f", val.o.Name(), val.x)
		}
	}
	m.Sign.Add(sign)
	for _, val := range values {
		val.o.Add(sign * val.x)
	}
	return nil
}

// spinCorrelation returns Σ_i ⟨Sᶻ_i·Sᶻ_j⟩ with j the site k steps along x from i, by Wick's theorem.
// k must not be a multiple of Lx.
func spinCorrelation(l lattice.Lattice, up, down *mat.Dense, k int) float64 {
	var sum float64
	for i := range l.Volume() {
		x, y, z := l.Coordinates(i)
		j := l.Index(x+k, y, z)
		ui, uj, di, dj := up.At(i, i), up.At(j, j), down.At(i, i), down.At(j, j)
		sum += ui*uj + di*dj - ui*dj - di*uj
		sum -= up.At(i, j)*up.At(j, i) + down.At(i, j)*down.At(j, i)
	}
	return sum / 4
}

// Estimate is a mean with its standard error.
type Estimate struct {
	Mean  float64 `json:"mean"`
	Error float64 `json:"error"`
}

type jsonEstimate struct {
	Mean  *float64 `json:"mean"`
	Error *float64 `json:"error"`
}

// MarshalJSON encodes non-finite values, such as the error of too few samples, as null.
func (e Estimate) MarshalJSON() ([]byte, error) {
	finite := func(x float64) *float64 {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return &x
	}
	return json.Marshal(jsonEstimate{Mean: finite(e.Mean), Error: finite(e.Error)})
}

func (e *Estimate) UnmarshalJSON(b []byte) error {
	var j jsonEstimate
	if err := json.Unmarshal(b, &j); err != nil {
		return errors.Wrap(err, "")
	}
	e.Mean, e.Error = math.NaN(), math.NaN()
	if j.Mean != nil {
		e.Mean = *j.Mean
	}
	if j.Error != nil {
		e.Error = *j.Error
	}
	return nil
}

// Summary is the outcome of a job.
type Summary struct {
	Sign            Estimate `json:"sign"`
	Density         Estimate `json:"density"`
	Magnetization   Estimate `json:"magnetization"`
	DoubleOccupancy Estimate `json:"double_occupancy"`
	Kinetic         Estimate `json:"kinetic"`
	Interaction     Estimate `json:"interaction"`

	StaggeredDensity       Estimate `json:"staggered_density"`
	StaggeredMagnetization Estimate `json:"staggered_magnetization"`
	// StaggeredSusceptibility is -StaggeredDensity/h, the linear response to the staggered potential.
	// It is NaN without a staggered potential.
	StaggeredSusceptibility Estimate   `json:"staggered_susceptibility"`
	SpinCorrelation         []Estimate `json:"spin_correlation"`
	DensityUp               []Estimate `json:"density_up"`
	DensityDown             []Estimate `json:"density_down"`

	Acceptance     float64 `json:"acceptance"`
	Drifts         int     `json:"drifts"`
	Unreliable     int     `json:"unreliable"`
	LogProbability float64 `json:"log_probability"`
}

// Summary reweights the observables by the average sign.
func (m *Measurements) Summary() Summary {
	sign := m.Sign.Mean()
	reweight := func(o *measure.Observable) Estimate {
		return Estimate{Mean: o.Mean() / sign, Error: o.Error() / math.Abs(sign)}
	}
	reweightAll := func(os []*measure.Observable) []Estimate {
		e := make([]Estimate, 0, len(os))
		for _, o := range os {
			e = append(e, reweight(o))
		}
		return e
	}
	summary := Summary{
		Sign:                    Estimate{Mean: sign, Error: m.Sign.Error()},
		Density:                 reweight(m.Density),
		Magnetization:           reweight(m.Magnetization),
		DoubleOccupancy:         reweight(m.DoubleOccupancy),
		Kinetic:                 reweight(m.Kinetic),
		Interaction:             reweight(m.Interaction),
		StaggeredDensity:        reweight(m.StaggeredDensity),
		StaggeredMagnetization:  reweight(m.StaggeredMagnetization),
		StaggeredSusceptibility: Estimate{Mean: math.NaN(), Error: math.NaN()},
		SpinCorrelation:         reweightAll(m.SpinCorrelation),
		DensityUp:               reweightAll(m.DensityUp),
		DensityDown:             reweightAll(m.DensityDown),
	}
	if h := m.lattice.Staggered; h != 0 {
		summary.StaggeredSusceptibility = Estimate{
			Mean:  -summary.StaggeredDensity.Mean / h,
			Error: summary.StaggeredDensity.Error / math.Abs(h),
		}
	}
	return summary
}

// RunOptions are options for RunJob.
type RunOptions struct {
	simulation      SimulationOptions
	checkpointEvery int
	checkpoint      func(Snapshot) error
	resume          *Snapshot
	progress        time.Duration
}

// NewRunOptions returns the default job options.
func NewRunOptions() RunOptions {
	opt := RunOptions{}
	opt.simulation = NewSimulationOptions()
	opt.progress = 5 * time.Second
	return opt
}

// Simulation sets the options of the underlying simulation.
func (opt RunOptions) Simulation(s SimulationOptions) RunOptions {
	opt.simulation = s
	return opt
}

// Checkpoint calls f with a snapshot every n sweeps.
func (opt RunOptions) Checkpoint(n int, f func(Snapshot) error) RunOptions {
	opt.checkpointEvery = n
	opt.checkpoint = f
	return opt
}

// Resume starts from a previously saved snapshot instead of a random field.
func (opt RunOptions) Resume(snap *Snapshot) RunOptions {
	opt.resume = snap
	return opt
}

// Progress sets the minimum interval between progress logs.
func (opt RunOptions) Progress(d time.Duration) RunOptions {
	opt.progress = d
	return opt
}

// RunJob thermalizes and then measures a simulation of p.
// Sweeps already recorded in a resumed snapshot count towards thermalization first.
func RunJob(p Params, options ...RunOptions) (Summary, error) {
	opt := NewRunOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	log := opt.simulation.log

	s, err := NewSimulation(p, opt.simulation)
	if err != nil {
		return Summary{}, errors.Wrap(err, "")
	}
	p = s.Params()
	if opt.resume != nil {
		d, err := s.Restore(*opt.resume)
		if err != nil {
			return Summary{}, errors.Wrap(err, "")
		}
		log.WithFields(logrus.Fields{"sweeps": s.Sweeps(), "drift": d.Rebuilt - d.Tracked}).Info("resumed")
	}

	m := NewMeasurements(p)
	throttler := util.NewSkipThrottler(opt.progress)
	total := p.Thermalization + p.Sweeps
	for s.Sweeps() < total {
		if err := s.Sweep(); err != nil {
			return Summary{}, errors.Wrapf(err, "sweep %d", s.Sweeps())
		}
		if s.Sweeps() > p.Thermalization {
			if err := m.Measure(s); err != nil {
				return Summary{}, errors.Wrapf(err, "sweep %d", s.Sweeps())
			}
		}
		if opt.checkpoint != nil && opt.checkpointEvery > 0 && s.Sweeps()%opt.checkpointEvery == 0 {
			snap, err := s.Snapshot()
			if err != nil {
				return Summary{}, errors.Wrap(err, "")
			}
			if err := opt.checkpoint(snap); err != nil {
				return Summary{}, errors.Wrap(err, "")
			}
		}
		if throttler.Ok() {
			plog, sign := s.LogProbability()
			log.WithFields(logrus.Fields{
				"sweep":      s.Sweeps(),
				"total":      total,
				"plog":       plog,
				"sign":       sign,
				"acceptance": s.Acceptance(),
			}).Info("progress")
		}
	}

	summary := m.Summary()
	summary.Acceptance = s.Acceptance()
	summary.Drifts = s.Drifts()
	summary.Unreliable = s.Unreliable()
	summary.LogProbability, _ = s.LogProbability()
	return summary, nil
}
