package config

import (
	"errors"
	"fmt"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"os"
	"spotcast/types"
)

func ReadConfigAndCredentials(devicesFile, credentialsFile string, logger *zap.Logger) (*AppConfig, error) {
	appConfig := &AppConfig{Settings: Defaults()}
	if err := readDeviceConfig(devicesFile, appConfig); err != nil {
		return nil, err
	}
	if err := readCredentials(credentialsFile, appConfig); err != nil {
		return nil, err
	}
	logger.Info("Loaded config",
		zap.Int("devices", len(appConfig.Devices)),
		zap.Int("accounts", len(appConfig.Accounts)),
		zap.String("default_account", appConfig.DefaultAccount))
	return appConfig, nil
}

func readDeviceConfig(filename string, appConfig *AppConfig) error {
	type deviceFromFile struct {
		Name  string `yaml:"name"`
		Room  string `yaml:"room"`
		Ip    string `yaml:"ip"`
		Port  uint16 `yaml:"port"`
		Model string `yaml:"model"`
		Uuid  string `yaml:"uuid"`
	}
	type devicesConfigFile struct {
		Devices []deviceFromFile `yaml:"devices"`
	}
	devicesFromYaml := devicesConfigFile{}
	if err := readConfig(filename, &devicesFromYaml); err != nil {
		return err
	}
	appConfig.Devices = make([]types.DeviceConfig, 0, len(devicesFromYaml.Devices))
	for i, device := range devicesFromYaml.Devices {
		if device.Name == "" {
			return fmt.Errorf("device %d in '%s' has no name", i, filename)
		}
		port := device.Port
		if port == 0 {
			port = types.DefaultCastPort
		}
		appConfig.Devices = append(appConfig.Devices, types.DeviceConfig{
			Name:  device.Name,
			Room:  device.Room,
			Model: types.DeviceTypeFor(device.Model),
			Ip:    device.Ip,
			Port:  port,
			Uuid:  device.Uuid,
		})
	}
	return nil
}

func readCredentials(filename string, appConfig *AppConfig) error {
	type accountFromFile struct {
		Name     string `yaml:"name"`
		Username string `yaml:"username"`
		SpDc     string `yaml:"sp_dc"`
		SpKey    string `yaml:"sp_key"`
		BlobAuth bool   `yaml:"blob_auth"`
	}
	type credentialsFromFile struct {
		DefaultAccount string            `yaml:"default_account"`
		Accounts       []accountFromFile `yaml:"accounts"`
	}
	credentials := credentialsFromFile{}
	if err := readConfig(filename, &credentials); err != nil {
		return err
	}
	if len(credentials.Accounts) == 0 {
		return errors.New("no spotify accounts found in '" + filename + "'")
	}
	appConfig.Accounts = make([]AccountCredentials, 0, len(credentials.Accounts))
	for _, account := range credentials.Accounts {
		if account.Name == "" || account.SpDc == "" {
			return fmt.Errorf("account '%s' in '%s' needs both a name and an sp_dc cookie", account.Name, filename)
		}
		if account.BlobAuth && account.Username == "" {
			return fmt.Errorf("account '%s' uses blob auth and so needs a username", account.Name)
		}
		appConfig.Accounts = append(appConfig.Accounts, AccountCredentials{
			Name:     account.Name,
			Username: account.Username,
			SpDc:     account.SpDc,
			SpKey:    account.SpKey,
			BlobAuth: account.BlobAuth,
		})
	}
	appConfig.DefaultAccount = credentials.DefaultAccount
	if appConfig.DefaultAccount == "" {
		appConfig.DefaultAccount = appConfig.Accounts[0].Name
	}
	if _, present := appConfig.Account(appConfig.DefaultAccount); !present {
		return fmt.Errorf("default account '%s' is not one of the configured accounts", appConfig.DefaultAccount)
	}
	return nil
}

func readConfig[E any](filename string, into *E) error {
	fileBytes, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("could not read config file '%s': %w", filename, err)
	}
	err = yaml.Unmarshal(fileBytes, into)
	if err != nil {
		return fmt.Errorf("could not unmarshal config file yaml '%s': %w", filename, err)
	}
	return nil
}
