package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Key: product name (the --product flag)
// Val: raw YAML for that product
// -----------------------------------------------------------------------------

const cfgSmartfinZ7 = `
product: smartfin-z7
product_id: 8977
flash:
  block_size: 496
water:
  array_size: 200
  window: 100
  init_window: 40
  on_percent: 80
  off_percent: 20
battery:
  shutdown_voltage: 3.0
  upload_voltage: 3.6
  max_voltage: 4.3
  monitor_interval: 1s
charger:
  refresh: 500ms
  min_charging: 5s
  min_charged: 30s
upload:
  encoding: base64url
  packet_size: 496
  max_reattempts: 3
  reattempt_delay: 600s
  connect_timeout: 300s
  publish_spacing: 1s
  max_publish_failures: 3
ride:
  init_timeout: 300s
  gps_startup: 500ms
  schedule:
    - {kind: temp_imu, accumulate: 1, interval: 1s}
    - {kind: battery, accumulate: 1, interval: 10s}
    - {kind: temperature, accumulate: 1, once: true}
    - {kind: text, accumulate: 1, once: true}
tempcal:
  collection_period: 30m
  cycle_period: 2h
  attempts: 6
  file: TMP116_CAL
  schedule:
    - {kind: battery, accumulate: 1, interval: 10s}
    - {kind: temperature, accumulate: 1, interval: 1s}
sleep:
  wake_on_water: true
  poll: 1s
cli:
  timeout: 600s
  interrupt: "#CLI"
mfg:
  min_temperature: 15
  max_temperature: 30
  cell_timeout: 180s
  min_soc: 0.8
cloud:
  prefix: smartfin
  keep_alive: 60s
`

// The UCSD build differs in product id and samples temperature alone at 1 Hz.
const cfgUCSDSmartfin = `
product: ucsd-smartfin
product_id: 17293
flash:
  block_size: 496
water:
  array_size: 200
  window: 100
  init_window: 40
  on_percent: 80
  off_percent: 20
battery:
  shutdown_voltage: 3.0
  upload_voltage: 3.6
  max_voltage: 4.3
  monitor_interval: 1s
charger:
  refresh: 500ms
  min_charging: 5s
  min_charged: 30s
upload:
  encoding: base64url
  packet_size: 496
  max_reattempts: 3
  reattempt_delay: 600s
  connect_timeout: 300s
  publish_spacing: 1s
  max_publish_failures: 3
ride:
  init_timeout: 300s
  gps_startup: 500ms
  schedule:
    - {kind: temperature, accumulate: 1, interval: 1s}
    - {kind: battery, accumulate: 1, interval: 10s}
    - {kind: text, accumulate: 1, once: true}
tempcal:
  collection_period: 30m
  cycle_period: 2h
  attempts: 6
  file: TMP116_CAL
  schedule:
    - {kind: battery, accumulate: 1, interval: 10s}
    - {kind: temperature, accumulate: 1, interval: 1s}
sleep:
  wake_on_water: true
  poll: 1s
cli:
  timeout: 600s
  interrupt: "#CLI"
mfg:
  min_temperature: 15
  max_temperature: 30
  cell_timeout: 180s
  min_soc: 0.8
cloud:
  prefix: smartfin
  keep_alive: 60s
`

var embeddedConfigs = map[string][]byte{
	"smartfin-z7":   []byte(cfgSmartfinZ7),
	"ucsd-smartfin": []byte(cfgUCSDSmartfin),
}
