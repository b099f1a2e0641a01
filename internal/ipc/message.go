// Package ipc defines the wire vocabulary exchanged between the pool and its
// worker processes, and the framed channel that carries it.
//
// Every message is a plain record with no behavior. On the wire a message is
// a length-prefixed JSON frame {"type": "...", "payload": {...}}; the type
// discriminator selects the Go struct on decode. Job payloads and results are
// opaque byte slices the core never inspects.
package ipc

import (
	"time"
)

// Type identifies a message kind on the wire.
type Type string

// Message type discriminators.
const (
	TypeIpcShutdown      Type = "ipc_shutdown"
	TypeShutdown         Type = "shutdown"
	TypeSoftShutdown     Type = "soft_shutdown"
	TypeWorkerStarted    Type = "worker_started"
	TypeLog              Type = "log"
	TypeJob              Type = "job"
	TypeJobResult        Type = "job_result"
	TypeScalingRequest   Type = "scaling_request"
	TypeSocketListen     Type = "socket_listen"
	TypeSocketFree       Type = "socket_free"
	TypeSocketTransfer   Type = "socket_transfer"
	TypeInitiateTransfer Type = "initiate_socket_transfer"
	TypeTransferInfo     Type = "socket_transfer_info"
)

// Message is implemented by every record in the catalogue.
type Message interface {
	MessageType() Type
}

// IpcShutdown forces the receiving worker to stop immediately.
type IpcShutdown struct{}

// Shutdown requests a graceful stop. Sent by the pool it stops a worker;
// sent by a worker it asks the pool to shut down.
type Shutdown struct {
	AfterLastJob bool `json:"after_last_job"`
}

// SoftShutdown advises a worker to finish current work and then stop.
// The pool sends it to surplus workers on scale-down.
type SoftShutdown struct{}

// WorkerStarted is the start handshake a worker sends once initialized.
type WorkerStarted struct {
	WorkerID int    `json:"worker_id"`
	IsOK     bool   `json:"is_ok"`
	Error    string `json:"error,omitempty"`
}

// Log carries a worker log record to the pool's logger.
type Log struct {
	Message string         `json:"message"`
	Level   string         `json:"level"`
	Context map[string]any `json:"context,omitempty"`
}

// Job carries a job envelope to a worker, or a submission from a worker to
// the pool.
type Job struct {
	Envelope JobEnvelope `json:"envelope"`
}

// JobResult answers a Job. It is sent for every job, awaited or not, so the
// router can release the job's capacity reservation.
type JobResult struct {
	JobID    string `json:"job_id"`
	WorkerID int    `json:"worker_id"`
	Result   []byte `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	// Kind classifies Error: "", "handler", "time_limit", "lost", "rejected",
	// "no_worker", "queue_full", "config".
	Kind string `json:"kind,omitempty"`
}

// Result error kinds.
const (
	ResultHandler   = "handler"
	ResultTimeLimit = "time_limit"
	ResultLost      = "lost"
	ResultRejected  = "rejected"
	ResultNoWorker  = "no_worker"
	ResultQueueFull = "queue_full"
	ResultConfig    = "config"
)

// ScalingRequest asks the pool to add a worker to ToGroupID.
type ScalingRequest struct {
	ToGroupID int    `json:"to_group_id"`
	ExData    []byte `json:"ex_data,omitempty"`
}

// SocketListen asks the broker to bind Address ahead of a transfer.
type SocketListen struct {
	Address string `json:"address"`
}

// SocketFree releases a previously transferred socket.
type SocketFree struct {
	SocketID string `json:"socket_id"`
}

// SocketTransfer acknowledges that the worker now holds SocketID.
type SocketTransfer struct {
	SocketID string `json:"socket_id"`
}

// InitiateSocketTransfer asks the broker for a listening socket bound to
// Address on behalf of a worker.
type InitiateSocketTransfer struct {
	RequestID string `json:"request_id"`
	WorkerID  int    `json:"worker_id"`
	GroupID   int    `json:"group_id"`
	Address   string `json:"address"`
}

// SocketTransferInfo answers InitiateSocketTransfer. Key is single-use; URI
// addresses the transport endpoint that completes the transfer.
type SocketTransferInfo struct {
	RequestID string `json:"request_id"`
	Key       string `json:"key,omitempty"`
	URI       string `json:"uri,omitempty"`
	Address   string `json:"address,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (IpcShutdown) MessageType() Type            { return TypeIpcShutdown }
func (Shutdown) MessageType() Type               { return TypeShutdown }
func (SoftShutdown) MessageType() Type           { return TypeSoftShutdown }
func (WorkerStarted) MessageType() Type          { return TypeWorkerStarted }
func (Log) MessageType() Type                    { return TypeLog }
func (Job) MessageType() Type                    { return TypeJob }
func (JobResult) MessageType() Type              { return TypeJobResult }
func (ScalingRequest) MessageType() Type         { return TypeScalingRequest }
func (SocketListen) MessageType() Type           { return TypeSocketListen }
func (SocketFree) MessageType() Type             { return TypeSocketFree }
func (SocketTransfer) MessageType() Type         { return TypeSocketTransfer }
func (InitiateSocketTransfer) MessageType() Type { return TypeInitiateTransfer }
func (SocketTransferInfo) MessageType() Type     { return TypeTransferInfo }

// JobEnvelope is a job in transit.
type JobEnvelope struct {
	ID             string        `json:"id"`
	Data           []byte        `json:"data"`
	AllowedGroups  []int         `json:"allowed_groups,omitempty"`
	AllowedWorkers []int         `json:"allowed_workers,omitempty"`
	Priority       int           `json:"priority"`
	Weight         int64         `json:"weight"`
	AwaitResult    bool          `json:"await_result"`
	CorrelationID  string        `json:"correlation_id,omitempty"`
	Immediate      bool          `json:"immediate,omitempty"`
	TimeLimit      time.Duration `json:"time_limit,omitempty"`
	// OriginWorker is the submitting worker, or zero for the pool itself.
	OriginWorker int `json:"origin_worker,omitempty"`
}
