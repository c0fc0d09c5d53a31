package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mailtools/pop3-to-pipe/model"
)

type accountsFile struct {
	Accounts []yaml.Node `yaml:"accounts"`
}

type accountEntry struct {
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Command  string `yaml:"command"`
	SSL      bool   `yaml:"ssl"`
	APOP     bool   `yaml:"apop"`
	Port     int    `yaml:"port"`
}

var knownAccountKeys = map[string]struct{}{
	"host":     {},
	"user":     {},
	"password": {},
	"command":  {},
	"ssl":      {},
	"apop":     {},
	"port":     {},
}

// LoadAccounts reads the YAML accounts file and returns the validated
// account list. Unknown keys produce warnings; an account missing a
// required field is dropped with a warning instead of failing the run.
func LoadAccounts(path, defaultCommand string) ([]model.Account, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read accounts file: %w", err)
	}

	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if len(file.Accounts) == 0 {
		return nil, nil, fmt.Errorf("accounts file %s lists no accounts", path)
	}

	var (
		accounts []model.Account
		warnings []string
	)
	for i, node := range file.Accounts {
		account, warns, ok := decodeAccount(&node, i+1, defaultCommand)
		warnings = append(warnings, warns...)
		if ok {
			accounts = append(accounts, account)
		}
	}

	if len(accounts) == 0 {
		return nil, warnings, fmt.Errorf("accounts file %s contains no usable accounts", path)
	}
	return accounts, warnings, nil
}

func decodeAccount(node *yaml.Node, index int, defaultCommand string) (model.Account, []string, bool) {
	var warnings []string

	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return model.Account{}, []string{fmt.Sprintf("account %d: not a mapping: %v", index, err)}, false
	}
	for key := range raw {
		if _, ok := knownAccountKeys[key]; !ok {
			warnings = append(warnings, fmt.Sprintf("account %d: unknown key %q ignored", index, key))
		}
	}

	var entry accountEntry
	if err := node.Decode(&entry); err != nil {
		warnings = append(warnings, fmt.Sprintf("account %d: %v; skipped", index, err))
		return model.Account{}, warnings, false
	}

	var missing []string
	if entry.Host == "" {
		missing = append(missing, "host")
	}
	if entry.User == "" {
		missing = append(missing, "user")
	}
	if entry.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		warnings = append(warnings, fmt.Sprintf("account %d: missing required %v; skipped", index, missing))
		return model.Account{}, warnings, false
	}

	if entry.Port == 0 {
		if entry.SSL {
			entry.Port = 995
		} else {
			entry.Port = 110
		}
	}
	if entry.Port < 0 || entry.Port > 65535 {
		warnings = append(warnings, fmt.Sprintf("account %d: port %d out of range; skipped", index, entry.Port))
		return model.Account{}, warnings, false
	}
	if entry.Command == "" {
		entry.Command = defaultCommand
	}

	return model.Account{
		Host:     entry.Host,
		User:     entry.User,
		Password: entry.Password,
		Port:     entry.Port,
		UseSSL:   entry.SSL,
		UseAPOP:  entry.APOP,
		Command:  entry.Command,
	}, warnings, true
}
