package config

// DefaultConfigYAML is written by `crashwatch init`. Keys left out use the
// loader's defaults.
const DefaultConfigYAML = `# crashwatch configuration
#
# Every key can also be set through the environment, e.g.
# CRASHWATCH_SERVER_CHANNEL=/run/user/1000/crashwatch.sock

log:
  level: info      # debug, info, warn, error
  format: auto     # auto, text, json
  # file: .crashwatch/crashwatch.log
  # Extra regular expressions redacted from log output.
  # redact_patterns: ["ACME-[0-9]{8}"]

server:
  # Unix socket supervised processes connect to. Defaults to a per-user
  # socket in the temp directory.
  # channel: /tmp/crashwatch.sock
  dump_dir: .crashwatch/dumps
  # Native dump tool. {path} and {pid} are substituted. When empty the
  # crash context sent by the client is stored instead.
  # dump_command: gcore -o {path} {pid}
  dump_timeout: 30s

collector:
  timeout: 5s        # whole snapshot
  probe_timeout: 2s  # each probe
  max_processes: 2048

report:
  dir: .crashwatch/reports
  max_files: 20
  include_env: false   # environment is redacted when included

store:
  enabled: true
  path: .crashwatch/events.db
  max_events: 10000

api:
  enabled: false
  addr: 127.0.0.1:8765

launch:
  # How long a supervised child may take to exit after crashwatch run is
  # interrupted before it is killed.
  grace_period: 9s
`
