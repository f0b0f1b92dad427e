package loopback

// ChainSpecSchema is the JSON Schema a chain specification must satisfy to be accepted.
const ChainSpecSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "id"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable chain name"
    },
    "id": {
      "type": "string",
      "pattern": "^[a-z0-9_-]+$",
      "description": "Chain identifier"
    },
    "chainType": {
      "type": "string",
      "enum": ["Live", "Development", "Local"]
    },
    "bootNodes": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "protocolId": {
      "type": "string"
    },
    "relay_chain": {
      "type": "string",
      "minLength": 1,
      "description": "Identifier of the relay chain a parachain depends on"
    },
    "para_id": {
      "type": "integer",
      "minimum": 0
    },
    "genesis": {
      "type": "object"
    }
  }
}`
