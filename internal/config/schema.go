package config

// pipelineSchema is the structural contract for pipeline documents. Semantic
// rules (route targets, fork_to, quorum bounds) live in validate(); the
// schema only pins shapes and enum values.
const pipelineSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["datasource", "sinks", "output_sink"],
  "properties": {
    "datasource": {"$ref": "#/$defs/plugin_ref"},
    "row_plugins": {"type": "array", "items": {"$ref": "#/$defs/plugin_ref"}},
    "aggregations": {"type": "array", "items": {"$ref": "#/$defs/plugin_ref"}},
    "gates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "condition", "routes"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "condition": {"type": "string", "minLength": 1},
          "routes": {
            "type": "object",
            "minProperties": 1,
            "additionalProperties": {"type": "string", "minLength": 1}
          },
          "fork_to": {"type": "array", "items": {"type": "string", "minLength": 1}}
        },
        "additionalProperties": false
      }
    },
    "coalesce": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "branches", "policy"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "branches": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
          "policy": {"enum": ["require_all", "quorum", "best_effort", "first"]},
          "quorum": {"type": "integer", "minimum": 1},
          "merge": {"enum": ["union", "select_branch", "nested", "custom"]},
          "select_branch": {"type": "string"},
          "merger": {"$ref": "#/$defs/plugin_ref"},
          "timeout_seconds": {"type": "number", "minimum": 0}
        },
        "additionalProperties": false
      }
    },
    "sinks": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"$ref": "#/$defs/plugin_ref"}
    },
    "output_sink": {"type": "string", "minLength": 1},
    "orchestrator_config": {
      "type": "object",
      "properties": {
        "concurrency": {
          "type": "object",
          "properties": {"max_workers": {"type": "integer", "minimum": 1}},
          "additionalProperties": false
        },
        "retry": {
          "type": "object",
          "properties": {
            "max_attempts": {"type": "integer", "minimum": 1},
            "initial_delay_seconds": {"type": "number", "minimum": 0},
            "max_delay_seconds": {"type": "number", "minimum": 0},
            "exponential_base": {"type": "number", "exclusiveMinimum": 1},
            "jitter": {"type": "boolean"},
            "max_capacity_retry_seconds": {"type": "number", "minimum": 0}
          },
          "additionalProperties": false
        },
        "rate_limit": {
          "type": "object",
          "properties": {
            "requests_per_second": {"type": "number", "minimum": 0},
            "burst": {"type": "integer", "minimum": 0}
          },
          "additionalProperties": false
        },
        "checkpoint": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "every_n_rows": {"type": "integer", "minimum": 0},
            "on_aggregation_boundary": {"type": "boolean"}
          },
          "additionalProperties": false
        },
        "telemetry": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "granularity": {"enum": ["lifecycle", "detailed", "debug"]},
            "backpressure_mode": {"enum": ["block", "drop_newest", "drop_oldest", "slow"]},
            "queue_size": {"type": "integer", "minimum": 1},
            "max_consecutive_failures": {"type": "integer", "minimum": 1},
            "fail_on_total_exporter_failure": {"type": "boolean"},
            "exporters": {"type": "array", "items": {"$ref": "#/$defs/plugin_ref"}}
          },
          "additionalProperties": false
        },
        "secure_mode": {"enum": ["standard", "strict"]}
      },
      "additionalProperties": false
    },
    "landscape_path": {"type": "string"},
    "payload_dir": {"type": "string"}
  },
  "additionalProperties": false,
  "$defs": {
    "plugin_ref": {
      "type": "object",
      "required": ["plugin"],
      "properties": {
        "plugin": {"type": "string", "minLength": 1},
        "options": {"type": "object"}
      },
      "additionalProperties": false
    }
  }
}`
