package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// In-memory counters rendered in the Prometheus text format.

var (
	mu             sync.RWMutex
	deliveries     = make(map[string]int64)
	jobsFinished   = make(map[string]int64)
	tasksTotal     = make(map[taskKey]int64)
	jobDurationSum = make(map[string]int64)
	jobDurationCnt = make(map[string]int64)
	requestsTotal  = make(map[reqKey]int64)
	batchRows      = make(map[string]int64)
)

type taskKey struct {
	Kind   string
	Status string
}

type reqKey struct {
	Method string
	Path   string
	Status int
}

// RecordDelivery counts one acknowledgment decision (ack, nack, dead_letter).
func RecordDelivery(decision string) {
	mu.Lock()
	defer mu.Unlock()
	deliveries[decision]++
}

// RecordJob counts a closing job state and how long the attempt took.
func RecordJob(state string, elapsed time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	jobsFinished[state]++
	jobDurationSum[state] += elapsed.Milliseconds()
	jobDurationCnt[state]++
}

func RecordTask(kind, status string) {
	mu.Lock()
	defer mu.Unlock()
	tasksTotal[taskKey{Kind: kind, Status: status}]++
}

// RecordRequest increments the HTTP request counter.
func RecordRequest(method, path string, status int) {
	mu.Lock()
	defer mu.Unlock()
	requestsTotal[reqKey{Method: method, Path: path, Status: status}]++
}

// RecordBatch counts ingested CSV rows by outcome (published, rejected, failed).
func RecordBatch(outcome string, n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	batchRows[outcome] += int64(n)
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP pixelpipe_deliveries_total Deliveries by acknowledgment decision\n")
	b.WriteString("# TYPE pixelpipe_deliveries_total counter\n")
	for _, k := range sortedKeys(deliveries) {
		fmt.Fprintf(&b, "pixelpipe_deliveries_total{decision=\"%s\"} %d\n", k, deliveries[k])
	}

	b.WriteString("# HELP pixelpipe_jobs_total Jobs by closing state\n")
	b.WriteString("# TYPE pixelpipe_jobs_total counter\n")
	for _, k := range sortedKeys(jobsFinished) {
		fmt.Fprintf(&b, "pixelpipe_jobs_total{state=\"%s\"} %d\n", k, jobsFinished[k])
	}

	b.WriteString("# HELP pixelpipe_job_duration_ms_sum Total job processing time in milliseconds\n")
	b.WriteString("# TYPE pixelpipe_job_duration_ms_sum counter\n")
	b.WriteString("# HELP pixelpipe_job_duration_ms_count Job count for duration metric\n")
	b.WriteString("# TYPE pixelpipe_job_duration_ms_count counter\n")
	for _, k := range sortedKeys(jobDurationSum) {
		fmt.Fprintf(&b, "pixelpipe_job_duration_ms_sum{state=\"%s\"} %d\n", k, jobDurationSum[k])
		fmt.Fprintf(&b, "pixelpipe_job_duration_ms_count{state=\"%s\"} %d\n", k, jobDurationCnt[k])
	}

	b.WriteString("# HELP pixelpipe_tasks_total Tasks by kind and status\n")
	b.WriteString("# TYPE pixelpipe_tasks_total counter\n")
	var taskKeys []taskKey
	for k := range tasksTotal {
		taskKeys = append(taskKeys, k)
	}
	sort.Slice(taskKeys, func(i, j int) bool {
		if taskKeys[i].Kind != taskKeys[j].Kind {
			return taskKeys[i].Kind < taskKeys[j].Kind
		}
		return taskKeys[i].Status < taskKeys[j].Status
	})
	for _, k := range taskKeys {
		fmt.Fprintf(&b, "pixelpipe_tasks_total{kind=\"%s\",status=\"%s\"} %d\n", k.Kind, k.Status, tasksTotal[k])
	}

	b.WriteString("# HELP pixelpipe_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE pixelpipe_http_requests_total counter\n")
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "pixelpipe_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP pixelpipe_batch_rows_total CSV rows by ingestion outcome\n")
	b.WriteString("# TYPE pixelpipe_batch_rows_total counter\n")
	for _, k := range sortedKeys(batchRows) {
		fmt.Fprintf(&b, "pixelpipe_batch_rows_total{outcome=\"%s\"} %d\n", k, batchRows[k])
	}

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
