package worker

import (
	"fmt"
	"plugin"

	"github.com/spiderdock/spiderd/pkg/spider"
)

// ErrSpiderCountMismatch is returned when a package's compiled plugin does not export
// exactly one spider.Factory. Grounded on TSDAP/spider/context.py's __import_from_path,
// which requires ISpider.__subclasses__() to contain exactly one class after importing the
// entry module — zero or more than one both fail initialization there too.
var ErrSpiderCountMismatch = fmt.Errorf("worker: package plugin must export exactly one Spiders factory")

// LoadSpiderPlugin opens the compiled plugin at path and resolves its exported "Spiders"
// symbol, a []spider.Factory a package's entry point must declare with exactly one element.
// This is the Go-native substitute for importlib.util.spec_from_file_location plus
// ISpider.__subclasses__() scanning: Go has no reflective subclass discovery, so a package's
// entry point registers itself explicitly instead of being found by introspection.
func LoadSpiderPlugin(path string) (spider.Spider, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("worker: open plugin %q: %w", path, err)
	}

	sym, err := p.Lookup("Spiders")
	if err != nil {
		return nil, fmt.Errorf("worker: plugin %q does not export Spiders: %w", path, err)
	}

	factories, ok := sym.(*[]spider.Factory)
	if !ok {
		return nil, fmt.Errorf("worker: plugin %q's Spiders symbol has the wrong type", path)
	}

	if len(*factories) != 1 {
		return nil, ErrSpiderCountMismatch
	}

	return (*factories)[0](), nil
}
