package config

const defaultShell = "cmd.exe"
