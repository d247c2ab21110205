package helpers

import (
	"strings"

	"github.com/juju/errors"
)

func FoldErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			ss = append(ss, e.Error())
		}
	}
	switch len(ss) {
	case 0:
		return nil
	case 1:
		return errors.New(ss[0])
	}
	return errors.New(strings.Join(ss, "\n"))
}

func FoldErrChan(ch <-chan error) error {
	errs := make([]error, 0, len(ch))
	for e := range ch {
		errs = append(errs, e)
	}
	return FoldErrors(errs)
}
