package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSPEDriver struct {
	name    string
	accepts map[string]bool
	err     error
}

func (d fakeSPEDriver) Name() string { return d.name }

func (d fakeSPEDriver) SetupSPE(_ int, cfg SPEConfig) (bool, error) {
	if d.err != nil {
		return false, d.err
	}

	return d.accepts[cfg.ID], nil
}

func TestAssignSPEs_FirstAcceptingDriverClaimsIt(t *testing.T) {
	drivers := []SPEDriver{
		fakeSPEDriver{name: "a", accepts: map[string]bool{}},
		fakeSPEDriver{name: "b", accepts: map[string]bool{"spe0": true}},
	}

	captured := assignSPEs(discardLogger(), drivers, 1000, []SPEConfig{{ID: "spe0"}})

	assert.Len(t, captured, 1)
	assert.Equal(t, "b", captured[0].Driver)
	assert.Equal(t, "spe0", captured[0].Config.ID)
}

func TestAssignSPEs_UnclaimedConfigIsSkippedNotFatal(t *testing.T) {
	drivers := []SPEDriver{fakeSPEDriver{name: "a", accepts: map[string]bool{}}}

	captured := assignSPEs(discardLogger(), drivers, 1000, []SPEConfig{{ID: "spe0"}})

	assert.Empty(t, captured)
}

func TestAssignSPEs_DriverErrorTriesNextDriver(t *testing.T) {
	drivers := []SPEDriver{
		fakeSPEDriver{name: "broken", err: errors.New("claim failed")},
		fakeSPEDriver{name: "ok", accepts: map[string]bool{"spe0": true}},
	}

	captured := assignSPEs(discardLogger(), drivers, 1000, []SPEConfig{{ID: "spe0"}})

	assert.Len(t, captured, 1)
	assert.Equal(t, "ok", captured[0].Driver)
}

func TestAssignSPEs_NoDriversReturnsEmpty(t *testing.T) {
	captured := assignSPEs(discardLogger(), nil, 1000, []SPEConfig{{ID: "spe0"}})

	assert.Empty(t, captured)
}
