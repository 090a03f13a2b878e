package config

const (
	// DriverSQLite selects the embedded SQLite processing log.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a shared PostgreSQL processing log.
	DriverPostgres = "postgres"

	// LockBackendFile keeps review lock markers as files created with O_EXCL.
	LockBackendFile = "file"
	// LockBackendSQL keeps review locks in the processing log database.
	LockBackendSQL = "sql"
	// LockBackendRedis keeps review locks in redis using SET NX.
	LockBackendRedis = "redis"

	QueuePolicyRandom     = "random"
	QueuePolicyRoundRobin = "roundrobin"
	// QueuePolicyPriority serves the longest-waiting case first.
	QueuePolicyPriority = "priority"
)

const (
	defaultProcessDir          = "~/.local/share/dtiqc/projects"
	defaultInputDir            = "~/dti/incoming"
	defaultLogDir              = "~/.local/share/dtiqc/logs"
	defaultLockDir             = "~/.local/share/dtiqc/locks"
	defaultProcess             = "dti"
	defaultDatabaseDriver      = DriverSQLite
	defaultLockBackend         = LockBackendFile
	defaultQueuePolicy         = QueuePolicyRandom
	defaultQueuePollInterval   = 30
	defaultDcm2niix            = "dcm2niix"
	defaultImagingTool         = "dti-tool"
	defaultEditor              = "fsleyes"
	defaultNotifyTimeout       = 10
	defaultEventsSubjectPrefix = "dtiqc"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ProcessDir: defaultProcessDir,
			InputDir:   defaultInputDir,
			LogDir:     defaultLogDir,
			LockDir:    defaultLockDir,
		},
		Pipeline: Pipeline{
			Process: defaultProcess,
		},
		Database: Database{
			Driver: defaultDatabaseDriver,
		},
		Review: Review{
			LockBackend: defaultLockBackend,
			Editor:      defaultEditor,
			EditorArgs:  []string{"-xh", "-yh", "{image}", "{overlay}", "-a", "40", "-cm", "Red"},
		},
		Queue: Queue{
			Policy:       defaultQueuePolicy,
			PollInterval: defaultQueuePollInterval,
		},
		Tools: Tools{
			Dcm2niix:    defaultDcm2niix,
			ImagingTool: defaultImagingTool,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Errors:         true,
			Batch:          true,
		},
		Events: Events{
			SubjectPrefix: defaultEventsSubjectPrefix,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
