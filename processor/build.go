package processor

import (
	"errors"
	"fmt"

	"github.com/mjl-/mailet/config"
	"github.com/mjl-/mailet/mailet"
)

// Build instantiates the matchers and mailets of the configured processors
// through reg, and returns a container for them. Unknown identifiers, bad
// conditions or parameters, and the checks of New are all returned together.
func Build(procs []config.Processor, reg *mailet.Registry, env mailet.Env, opts Options) (*Container, error) {
	var errs []error
	var l []Processor
	for _, cp := range procs {
		p := Processor{Name: cp.Name, LoopGuard: cp.LoopGuard}
		for i, cs := range cp.Stages {
			st := Stage{
				MatcherName:      cs.Matcher,
				MailetName:       cs.Mailet,
				OnMatchException: cs.OnMatchException,
				Parallel:         cs.Parallel,
			}
			var err error
			st.Matcher, err = reg.Matcher(cs.Matcher, cs.Condition, env)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: processor %q, stage %d: %w", ErrConfig, cp.Name, i, err))
			}
			st.Mailet, err = reg.Mailet(cs.Mailet, mailet.Params(cs.Params), env)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: processor %q, stage %d: %w", ErrConfig, cp.Name, i, err))
			}
			if cs.Parallel < 0 {
				errs = append(errs, fmt.Errorf("%w: processor %q, stage %d: negative parallel %d", ErrConfig, cp.Name, i, cs.Parallel))
			}
			p.Stages = append(p.Stages, st)
		}
		l = append(l, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return New(l, opts)
}
