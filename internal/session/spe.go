package session

import "github.com/sirupsen/logrus"

// SPEConfig describes one requested Statistical Profiling Extension
// stream, keyed by the SPE id the operator named on the command line
// or in the session XML.
type SPEConfig struct {
	ID string
}

// CapturedSPE records an SPE stream that a driver successfully
// claimed and is actually capturing.
type CapturedSPE struct {
	Config SPEConfig
	Driver string
}

// SPEDriver is a collaborator capable of claiming an SPE
// configuration, the Go analog of Driver::setupSpe: it returns
// ok=false when this particular driver doesn't support the requested
// stream, leaving it for the next driver in the list to try.
type SPEDriver interface {
	Name() string
	SetupSPE(sampleRate int, cfg SPEConfig) (ok bool, err error)
}

// assignSPEs claims each requested SPE configuration against the
// first driver in drivers that accepts it, logging a warning for any
// configuration no driver claims. Grounded on Child::run's loop over
// drivers.getAll() calling driver->setupSpe(...) until one claims it.
func assignSPEs(
	log logrus.FieldLogger,
	drivers []SPEDriver,
	sampleRate int,
	configs []SPEConfig,
) []CapturedSPE {
	captured := make([]CapturedSPE, 0, len(configs))

	for _, cfg := range configs {
		claimed := false

		for _, drv := range drivers {
			ok, err := drv.SetupSPE(sampleRate, cfg)
			if err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"spe":    cfg.ID,
					"driver": drv.Name(),
				}).Warn("SPE driver setup failed")

				continue
			}

			if ok {
				captured = append(captured, CapturedSPE{Config: cfg, Driver: drv.Name()})
				claimed = true

				break
			}
		}

		if !claimed {
			log.WithField("spe", cfg.ID).Warn("no driver claimed SPE configuration")
		}
	}

	return captured
}
