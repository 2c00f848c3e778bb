package logger

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel maps a level name to a Level, defaulting to INFO.
func ParseLevel(name string) Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return DEBUG
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type Logger struct {
	level Level
}

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var std = &Logger{level: INFO}

func New(level Level) *Logger {
	return &Logger{level: level}
}

func SetLevel(level Level) {
	std.level = level
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Message:   message,
		Fields:    sanitizeFields(fields),
	}

	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("Failed to marshal log entry: %v", err)
		return
	}
	log.Println(string(data))
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, mergeFields(fields...))
}

func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, mergeFields(fields...))
}

func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, mergeFields(fields...))
}

func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, mergeFields(fields...))
}

func Debug(message string, fields ...map[string]interface{}) {
	std.Debug(message, fields...)
}

func Info(message string, fields ...map[string]interface{}) {
	std.Info(message, fields...)
}

func Warn(message string, fields ...map[string]interface{}) {
	std.Warn(message, fields...)
}

func Error(message string, fields ...map[string]interface{}) {
	std.Error(message, fields...)
}

func mergeFields(fieldMaps ...map[string]interface{}) map[string]interface{} {
	if len(fieldMaps) == 0 {
		return nil
	}
	result := make(map[string]interface{})
	for _, fields := range fieldMaps {
		for k, v := range fields {
			result[k] = v
		}
	}
	return result
}

// Field names containing any of these are masked. License keys count:
// they are credentials for the app, not telemetry.
var sensitiveTerms = []string{
	"key", "token", "secret", "password", "signature",
	"authorization", "auth", "license",
}

func sanitizeFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if isSensitive(k) {
			sanitized[k] = mask(v)
			continue
		}
		sanitized[k] = v
	}
	return sanitized
}

func isSensitive(key string) bool {
	keyLower := strings.ToLower(key)
	for _, term := range sensitiveTerms {
		if strings.Contains(keyLower, term) {
			return true
		}
	}
	return false
}

// mask keeps the first and last three characters of longer values so log
// lines stay correlatable without exposing the credential.
func mask(v interface{}) interface{} {
	str, ok := v.(string)
	if !ok || len(str) == 0 || len(str) <= 8 {
		return "[REDACTED]"
	}
	return str[:3] + "..." + str[len(str)-3:]
}

func init() {
	// Keep test output quiet.
	if os.Getenv("GO_ENV") == "test" || strings.Contains(os.Args[0], ".test") {
		SetLevel(WARN)
		return
	}
	SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
}
