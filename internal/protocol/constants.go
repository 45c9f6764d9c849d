package protocol

// Process types carried in the CHILD_PROCESS_ENV_KEY environment variable.
const (
	ProcTypeProxy  = "proxy"
	ProcTypeWorker = "worker"
)

// Internal command ids (proxy<->worker, proxy<->master).
const (
	CmdWorkerTaskAssign     uint32 = 1 // proxy -> worker: here is a job
	CmdMasterReplaceWorkers uint32 = 2 // proxy -> master: shadow pool is full, swap it in
	CmdAdminServerStat      uint32 = 3
	CmdAdminChange          uint32 = 4
	CmdAdminReload          uint32 = 5
	CmdAdminStop            uint32 = 6
)

// Ret codes used on the wire in addition to any application-defined ones.
const (
	RetOK             int32 = 0
	RetAdminAuthFail  int32 = -1
	RetWorkerGone     int32 = -2
	RetWorkerError    int32 = -3
	RetUnroutable     int32 = -4
)

// WorkerStatus is the proxy-side view of a worker connection.
type WorkerStatus int

const (
	WorkerIdle WorkerStatus = iota
	WorkerBusy
)
