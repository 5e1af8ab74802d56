// Package distributed hands out task units of distributed jobs. The Master runs on
// the elected master node and draws tasks from per-job TaskFactories; every node
// runs a Fetcher that asks the master for as many tasks as its job nodes have room
// for and executes them locally.
package distributed

import "encoding/json"

const (
	KindFetch   = "tasks.fetch"
	KindRelease = "tasks.release"
)

// Task is one unit of work of a distributed job.
type Task struct {
	ID      string          `json:"id"`
	JobName string          `json:"job_name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TaskRef reports a finished task. Error is empty on success.
type TaskRef struct {
	ID      string `json:"id"`
	JobName string `json:"job_name"`
	Error   string `json:"error,omitempty"`
}

func (r TaskRef) Failed() bool { return r.Error != "" }

// Requirement is how many more tasks a job node can take. Required may be zero
// or negative; the entry still tells the master the node is alive.
type Requirement struct {
	JobName   string `json:"job_name"`
	JobNodeID int64  `json:"job_node_id"`
	Required  int    `json:"required"`
}

// FetchRequest asks the master for tasks. A request that failed is sent again
// with the same RequestID so the master can answer it from its cache.
type FetchRequest struct {
	RequestID    string        `json:"request_id"`
	Node         string        `json:"node"`
	Requirements []Requirement `json:"requirements"`
	// Running lists the tasks the node is executing when the request was built.
	Running   []string  `json:"running,omitempty"`
	Completed []TaskRef `json:"completed,omitempty"`
}

// Grant is the answer for one job. Error carries a per-job failure such as a
// missing factory; other jobs in the same response are unaffected.
type Grant struct {
	JobName string `json:"job_name"`
	Tasks   []Task `json:"tasks,omitempty"`
	Error   string `json:"error,omitempty"`
}

type FetchResponse struct {
	RequestID string  `json:"request_id"`
	Grants    []Grant `json:"grants"`
}

// ReleaseRequest returns tasks a node will not run and reports completions that
// have no fetch to ride on, e.g. at shutdown.
type ReleaseRequest struct {
	Node      string    `json:"node"`
	Completed []TaskRef `json:"completed,omitempty"`
	Abandoned []Task    `json:"abandoned,omitempty"`
}

type ReleaseResponse struct {
	Released int `json:"released"`
}
