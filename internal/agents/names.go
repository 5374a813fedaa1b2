package agents

import "hash/fnv"

// callSigns is the pool of worker call signs used in log lines. The
// list is fixed so a task keeps the same call sign across retries.
var callSigns = []string{
	"alfa", "bravo", "charlie", "delta", "echo", "foxtrot",
	"golf", "hotel", "india", "juliett", "kilo", "lima",
	"mike", "november", "oscar", "papa", "quebec", "romeo",
	"sierra", "tango", "uniform", "victor", "whiskey",
	"xray", "yankee", "zulu",
}

// workerCallSign returns a deterministic call sign for a task ID. The
// same task always maps to the same name, which makes interleaved
// worker logs readable.
func workerCallSign(taskID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return callSigns[int(h.Sum32())%len(callSigns)]
}
