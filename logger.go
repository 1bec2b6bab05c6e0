package main

import (
	"os"
	"path/filepath"

	"github.com/fansqz/debug-controller/config"
	"github.com/sirupsen/logrus"
)

var logFile *os.File

// SetupLogger 日志写入配置的文件，没有配置时写到标准错误
func SetupLogger(cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Path == "" {
		logrus.SetOutput(os.Stderr)
		return nil
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Path), os.ModePerm); err != nil {
		return err
	}
	logFile, err = os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	logrus.SetOutput(logFile)
	return nil
}

func CloseLogger() {
	if logFile != nil {
		_ = logFile.Close()
	}
}
