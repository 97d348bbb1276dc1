package rules

// FailureTypes is the closed set of failure classifications the LLM may
// assign. Anything outside this list is coerced to "unknown".
var FailureTypes = []string{
	"disk",
	"storage",
	"raid",
	"nvme",
	"filesystem",
	"io",
	"cpu",
	"memory",
	"network",
	"power",
	"thermal",
	"wifi",
	"windows_update",
	"service_failure",
	"sandbox",
	"application",
	"configuration",
	"security",
	"dependency",
	"kernel",
	"driver",
	"os_update",
	"unknown",
}

var failureTypeSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(FailureTypes))
	for _, t := range FailureTypes {
		m[t] = struct{}{}
	}
	return m
}()

// ValidFailureType reports whether t is a member of the taxonomy.
func ValidFailureType(t string) bool {
	_, ok := failureTypeSet[t]
	return ok
}

// NormalizeFailureType coerces arbitrary classifier output into the taxonomy.
func NormalizeFailureType(t string) string {
	if ValidFailureType(t) {
		return t
	}
	return "unknown"
}
