package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			RootDir:  "~/.shellgate/workspace",
			LogLevel: "info",
		},
		Policy: PolicyConfig{
			EnforceMode:     "strict",
			EnforceRootJail: true,
			MaxCommandLen:   8000,
			DeniedPatterns:  defaultDeniedPatterns(),
			Bash: ShellPolicy{
				Allowed: []string{
					"cd", "cp", "ls", "cat", "find", "touch", "echo", "grep",
					"pwd", "mkdir", "wget", "sort", "head", "tail", "du",
				},
				Denied: []string{
					"rm", "mv", "rmdir", "sudo", "chmod", "chown", "dd",
					"mkfs", "shutdown", "reboot", "halt",
				},
			},
			PowerShell: ShellPolicy{
				Allowed: []string{
					"Get-ChildItem", "Set-Location", "Get-Content", "Select-String",
					"Copy-Item", "New-Item", "Get-Process", "Get-Service", "Get-Date",
					"Invoke-WebRequest", "Sort-Object", "Measure-Object",
				},
				Denied: []string{
					"Remove-Item", "Stop-Process", "Restart-Computer", "Stop-Computer",
					"Set-ExecutionPolicy", "Invoke-Expression", "Invoke-Command",
					"New-Service", "Remove-Service", "Format-Volume",
					"New-LocalUser", "Remove-LocalUser",
				},
			},
		},
		Session: SessionConfig{
			DefaultShell:       "bash",
			TimeoutMs:          30000,
			IdleTimeoutSeconds: 1800,
			MaxOutputBytes:     65536,
			MaxSessions:        16,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: 120,
			MaxEditRounds:  3,
		},
		Audit: AuditConfig{
			Enabled:       true,
			DBPath:        "~/.shellgate/audit.db",
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}

func defaultDeniedPatterns() []string {
	return []string{
		`rm\s+-[a-zA-Z]*[rf][a-zA-Z]*\s+/(\s|$|\*)`,
		`:\(\)\s*\{\s*:\|:&\s*\};:`,
		`>\s*/dev/sd[a-z]`,
		`(curl|wget)\b.*\|\s*(ba|z)?sh\b`,
	}
}
