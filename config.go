package stm32boot

import (
	"io"
	"io/ioutil"
	"os"
	"strings"

	"github.com/amrbekhit/stm32boot/stm32"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Profile describes the device a bootloader runs on and how it behaves.
type Profile struct {
	Layout   stm32.Layout
	Identity Identity
	// Maximum status reads per busy wait. Zero waits forever.
	PollLimit int
	// Reprogramming attempts per word after a failed copy write.
	CopyRetries int
}

// DefaultProfile returns the profile for an STM32F429.
func DefaultProfile() Profile {
	return Profile{
		Layout:      stm32.F429(),
		Identity:    DefaultIdentity,
		CopyRetries: DefaultCopyRetries,
	}
}

// LoadProfile reads a YAML profile. Fields missing from the YAML keep
// their DefaultProfile values.
func LoadProfile(r io.Reader) (Profile, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return Profile{}, err
	}
	p := DefaultProfile()
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return Profile{}, errors.Wrap(err, "failed to parse profile")
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// LoadProfileFile reads a YAML profile from a file.
func LoadProfileFile(name string) (Profile, error) {
	f, err := os.Open(name)
	if err != nil {
		return Profile{}, err
	}
	defer f.Close()
	return LoadProfile(f)
}

// Validate checks the profile for values the bootloader cannot run with.
func (p Profile) Validate() error {
	if err := p.Layout.Validate(); err != nil {
		return errors.Wrap(err, "invalid profile")
	}
	if p.PollLimit < 0 {
		return errors.Errorf("invalid profile: negative poll limit %d", p.PollLimit)
	}
	if p.CopyRetries < 0 {
		return errors.Errorf("invalid profile: negative copy retries %d", p.CopyRetries)
	}
	for _, s := range []string{p.Identity.ID, p.Identity.Version, p.Identity.Author} {
		if strings.ContainsAny(s, "\r\n") {
			return errors.Errorf("invalid profile: identity %q spans lines", s)
		}
	}
	return nil
}
