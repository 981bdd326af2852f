package l3

//LogConfig - Configuration & Settings for the logger.
type LogConfig struct {

	//Format of the log. valid values are text,json
	//Default is text
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	//Async Flag to indicate if the writing of the flag is asynchronous.
	//Default value is false
	Async bool `json:"async,omitempty" yaml:"async,omitempty"`
	//QueueSize to indicate the number log routines that can be queued  to use in background
	//This value is used only if the async value is set to true.
	//Default value for the number items to be in queue 4096
	QueueSize int `json:"queue_size,omitempty" yaml:"queueSize,omitempty"`
	//Date - Defaults to  time.RFC3339 pattern
	DatePattern string `json:"datePattern,omitempty" yaml:"datePattern,omitempty"`
	//IncludeFunction will include the calling function name  in the log entries
	//Default value : false
	IncludeFunction bool `json:"includeFunction,omitempty" yaml:"includeFunction,omitempty"`
	//IncludeLineNum ,includes Line number for the log file
	//If IncludeFunction Line is set to false this config is ignored
	IncludeLineNum bool `json:"includeLineNum,omitempty" yaml:"includeLineNum,omitempty"`
	//DefaultLvl that will be used as default
	DefaultLvl string `json:"defaultLvl" yaml:"defaultLvl"`
	//PackageConfig that can be used to
	PkgConfigs []*PackageConfig `json:"pkgConfigs" yaml:"pkgConfigs"`
	//Writers writers for the logger. Need one for all levels
	//A level for which a writer has no output configured is not written by that writer; there is no fallback to os.Stdout or os.Stderr
	Writers []*WriterConfig `json:"writers" yaml:"writers"`
}

// PackageConfig configuration
type PackageConfig struct {
	//PackageName
	PackageName string `json:"pkgName" yaml:"pkgName"`
	//Level to be set valid values : OFF,ERROR,WARN,INFO,DEBUG,TRACE
	Level string `json:"level" yaml:"level"`
}

//WriterConfig struct
type WriterConfig struct {
	//File reference. Non mandatory but one of file or console logger is required.
	File *FileConfig `json:"file,omitempty" yaml:"file,omitempty"`
	//Console reference
	Console *ConsoleConfig `json:"console,omitempty" yaml:"console,omitempty"`
	//Logrus reference, for structured logging with lumberjack-backed rotation
	Logrus *LogrusConfig `json:"logrus,omitempty" yaml:"logrus,omitempty"`
}

// LogrusConfig configures a logrus-backed writer.
type LogrusConfig struct {
	//JSONFormat writes entries as JSON instead of logrus's default text format.
	JSONFormat bool `json:"jsonFormat,omitempty" yaml:"jsonFormat,omitempty"`
	//RotatePath is the lumberjack-managed file path. Writes to os.Stdout if empty.
	RotatePath string `json:"rotatePath,omitempty" yaml:"rotatePath,omitempty"`
	//MaxSizeMB is the size in megabytes a log file can reach before it's rotated.
	MaxSizeMB int `json:"maxSizeMb,omitempty" yaml:"maxSizeMb,omitempty"`
	//MaxBackups is the number of old rotated files to retain.
	MaxBackups int `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty"`
	//MaxAgeDays is the number of days to retain old rotated files.
	MaxAgeDays int `json:"maxAgeDays,omitempty" yaml:"maxAgeDays,omitempty"`
	//Compress gzips rotated files.
	Compress bool `json:"compress,omitempty" yaml:"compress,omitempty"`
}

//FileConfig - Configuration of file based logging
type FileConfig struct {
	//FilePath for the file based log writer
	DefaultPath string `json:"defaultPath" yaml:"defaultPath"`
	ErrorPath   string `json:"errorPath" yaml:"errorPath"`
	WarnPath    string `json:"warnPath" yaml:"warnPath"`
	InfoPath    string `json:"infoPath" yaml:"infoPath"`
	DebugPath   string `json:"debugPath" yaml:"debugPath"`
	TracePath   string `json:"tracePath" yaml:"tracePath"`
	//RollType is read from the configuration but FileWriter does not use it: log files are never rolled.
	RollType string `json:"rollType" yaml:"rollType"`
	//MaxSize is read from the configuration but FileWriter does not use it.
	MaxSize int64 `json:"maxSize" yaml:"maxSize"`
	//CompressOldFile is read from the configuration but FileWriter does not use it: no file is compressed.
	CompressOldFile bool `json:"compressOldFile" yaml:"compressOldFile"`
}

// ConsoleConfig - Configuration of console based logging. All Log Levels except ERROR and WARN are written to os.Stdout
// The ERROR and WARN log levels can be written  to os.Stdout or os.Stderr, By default they go to os.Stderr
type ConsoleConfig struct {
	//WriteErrToStdOut write error messages to os.Stdout .
	WriteErrToStdOut bool `json:"errToStdOut" yaml:"errToStdOut"`
	//WriteWarnToStdOut write warn messages to os.Stdout .
	WriteWarnToStdOut bool `json:"warnToStdOut" yaml:"warnToStdOut"`
}
