package bridge

import (
	"context"
	"fmt"
)

// Command names understood by the native layer.
const (
	cmdStartBleScan          = "startBleScan"
	cmdStopBleScan           = "stopBleScan"
	cmdConnBleByMacAddress   = "connBleByMacAddress"
	cmdInitServiceBleData    = "initServiceBleData"
	cmdDisconnectBle         = "disconnectBle"
	cmdReadBleCharacteristic = "readBleCharacteristic"
	cmdStartQrCodeScan       = "startQrCodeScan"
	cmdConnectMqtt           = "connectMqtt"
	cmdMqttSubTopic          = "mqttSubTopic"
	cmdMqttPublishMsg        = "mqttPublishMsg"
)

// Push event names delivered by the native layer.
const (
	PushQrCodeResult   = "scanQrcodeResultCallBack"
	PushBleConnectOK   = "bleConnectSuccessCallBack"
	PushBleConnectFail = "bleConnectFailCallBack"
	PushBleData        = "bleDataCallBack"
	PushMqttMessage    = "mqttMsgArrivedCallBack"
	PushMqttConnect    = "connectMqttCallBack"
)

// respCodeOK is the native layer's success code for MQTT operations.
const respCodeOK = 200

// MqttConfig carries the broker parameters passed to the native MQTT stack.
type MqttConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (b *Bridge) StartBleScan(ctx context.Context) error {
	_, err := b.Call(ctx, cmdStartBleScan, nil)
	return err
}

// StopBleScan is safe to issue when no scan is running; the native layer
// treats it as a no-op.
func (b *Bridge) StopBleScan(ctx context.Context) error {
	_, err := b.Call(ctx, cmdStopBleScan, nil)
	return err
}

func (b *Bridge) ConnBleByMacAddress(ctx context.Context, macAddress string) error {
	_, err := b.Call(ctx, cmdConnBleByMacAddress, macAddress)
	return err
}

// InitServiceBleData asks the native stack to enumerate the connected
// device's service data and returns the decoded response.
func (b *Bridge) InitServiceBleData(ctx context.Context, handle string) (map[string]any, error) {
	data, err := b.Call(ctx, cmdInitServiceBleData, handle)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// DisconnectBle is safe to issue when not connected; the native layer treats
// it as a no-op.
func (b *Bridge) DisconnectBle(ctx context.Context, macAddress string) error {
	_, err := b.Call(ctx, cmdDisconnectBle, macAddress)
	return err
}

// ReadBleCharacteristic reads one characteristic from a connected device. The
// decoded response carries either respData (the value) or respDesc (an error
// description).
func (b *Bridge) ReadBleCharacteristic(ctx context.Context, serviceUUID, characteristicUUID, macAddress string) (map[string]any, error) {
	data, err := b.Call(ctx, cmdReadBleCharacteristic, map[string]string{
		"serviceUUID":        serviceUUID,
		"characteristicUUID": characteristicUUID,
		"macAddress":         macAddress,
	})
	if err != nil {
		return nil, err
	}
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if _, ok := m["respData"]; !ok {
		if desc, ok := m["respDesc"].(string); ok {
			return nil, fmt.Errorf("read %s: %s", characteristicUUID, desc)
		}
		return nil, fmt.Errorf("read %s: empty response", characteristicUUID)
	}
	return m, nil
}

// StartQrCodeScan arms the native QR scanner. The result arrives later on the
// PushQrCodeResult event.
func (b *Bridge) StartQrCodeScan(ctx context.Context, timeoutHintSecs int) error {
	_, err := b.Call(ctx, cmdStartQrCodeScan, timeoutHintSecs)
	return err
}

// ConnectMqtt asks the native layer to open its broker connection. The
// connection outcome also arrives on the PushMqttConnect event.
func (b *Bridge) ConnectMqtt(ctx context.Context, config MqttConfig) (map[string]any, error) {
	data, err := b.Call(ctx, cmdConnectMqtt, config)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (b *Bridge) MqttSubTopic(ctx context.Context, topic string, qos byte) error {
	data, err := b.Call(ctx, cmdMqttSubTopic, map[string]any{"topic": topic, "qos": qos})
	if err != nil {
		return err
	}
	return checkRespCode("mqttSubTopic", data)
}

func (b *Bridge) MqttPublishMsg(ctx context.Context, topic string, qos byte, content string) error {
	data, err := b.Call(ctx, cmdMqttPublishMsg, map[string]any{"topic": topic, "qos": qos, "content": content})
	if err != nil {
		return err
	}
	return checkRespCode("mqttPublishMsg", data)
}

func checkRespCode(command string, data []byte) error {
	var resp struct {
		RespCode int    `json:"respCode"`
		RespDesc string `json:"respDesc"`
	}
	if err := DecodeInto(data, &resp); err != nil {
		return err
	}
	if resp.RespCode != respCodeOK {
		return fmt.Errorf("%s: respCode %d %s", command, resp.RespCode, resp.RespDesc)
	}
	return nil
}
