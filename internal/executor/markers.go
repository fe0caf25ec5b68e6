package executor

import (
	"regexp"
	"strconv"

	"github.com/devicelab/conductor/pkg/types"
)

// Test output markers. Test payloads running on the device emit these on
// their console to report structured results back through the log stream:
//
//	<TESTRUN_START smoke-tests>
//	<RESULT name=ping result=pass>
//	<RESULT name=throughput result=pass measurement=94.2 units=Mbps>
//	<RESULT name=dns result=fail>
//	<TESTRUN_END smoke-tests>
var (
	markerStartRe  = regexp.MustCompile(`<TESTRUN_START ([^>]+)>`)
	markerEndRe    = regexp.MustCompile(`<TESTRUN_END ([^>]+)>`)
	markerResultRe = regexp.MustCompile(`<RESULT ([^>]+)>`)
	markerAttrRe   = regexp.MustCompile(`(\w+)=(\S+)`)
)

// markerParser incrementally extracts test cases from console output. It is
// resilient to truncation: cases parsed before a disconnection are kept.
type markerParser struct {
	runID string
	cases []types.TestCase
	done  bool
}

// Feed consumes one line of console output. It returns true once the end
// marker for the current run has been seen.
func (p *markerParser) Feed(line string) bool {
	if m := markerStartRe.FindStringSubmatch(line); m != nil {
		p.runID = m[1]
		return false
	}
	if m := markerEndRe.FindStringSubmatch(line); m != nil {
		p.done = true
		return true
	}
	if m := markerResultRe.FindStringSubmatch(line); m != nil {
		if tc, ok := parseResultAttrs(m[1]); ok {
			p.cases = append(p.cases, tc)
		}
	}
	return false
}

func parseResultAttrs(attrs string) (types.TestCase, bool) {
	var tc types.TestCase
	for _, kv := range markerAttrRe.FindAllStringSubmatch(attrs, -1) {
		switch kv[1] {
		case "name":
			tc.Name = kv[2]
		case "result":
			tc.Result = kv[2]
		case "measurement":
			if f, err := strconv.ParseFloat(kv[2], 64); err == nil {
				tc.Measurement = f
			}
		case "units":
			tc.Units = kv[2]
		}
	}
	if tc.Name == "" || (tc.Result != "pass" && tc.Result != "fail") {
		return types.TestCase{}, false
	}
	return tc, true
}

// Cases returns the test cases parsed so far.
func (p *markerParser) Cases() []types.TestCase {
	return p.cases
}
