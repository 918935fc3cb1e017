package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	HTTPPort         int
	StoreDriver      string
	MailboxPath      string
	DBPath           string
	AttachmentsPath  string
	AttachmentsDB    string
	RetentionSeconds int64
	PerPage          int
}

func Load() Config {
	mailboxPath := getEnvString("MAILBOX_PATH", filepath.Join("data", "mailbox"))
	return Config{
		HTTPPort:         getEnvInt("HTTP_PORT", 3025),
		StoreDriver:      getEnvString("MAILBOX_STORE_DRIVER", "file"),
		MailboxPath:      mailboxPath,
		DBPath:           getEnvString("MAILBOX_DB_PATH", filepath.Join(mailboxPath, "mailbox.db")),
		AttachmentsPath:  getEnvString("MAILBOX_ATTACHMENTS_PATH", filepath.Join(mailboxPath, "attachments")),
		AttachmentsDB:    getEnvString("MAILBOX_ATTACHMENTS_DB", filepath.Join(mailboxPath, "attachments.db")),
		RetentionSeconds: int64(getEnvInt("MAILBOX_RETENTION", 60*60*24)),
		PerPage:          getEnvInt("MAILBOX_PER_PAGE", 20),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
