package server

// Schemas for the structured replies the server asks the model for. Extra
// keys are allowed.

const stepSchemaJSON = `{
  "type": "object",
  "required": ["completedStepIds"],
  "properties": {
    "completedStepIds": {
      "type": "array",
      "items": {"type": ["string", "integer"]}
    }
  }
}`

const feedbackSchemaJSON = `{
  "type": "object",
  "properties": {
    "feedback": {"type": "string"},
    "useful_phrase": {"type": ["string", "null"]},
    "useful_phrase_ru": {"type": ["string", "null"]},
    "style_note": {"type": ["string", "null"]},
    "rewrite_neutral": {"type": ["string", "null"]}
  }
}`

const debateFeedbackSchemaJSON = `{
  "definitions": {
    "sbi": {
      "type": "object",
      "properties": {
        "situation": {"type": "string"},
        "behavior": {"type": "string"},
        "impact": {"type": "string"}
      }
    }
  },
  "type": "object",
  "properties": {
    "feedback_short_ru": {"type": "string"},
    "feedback": {"type": "string"},
    "strength_sbi": {"$ref": "#/definitions/sbi"},
    "improvement_sbi": {"$ref": "#/definitions/sbi"},
    "next_try_phrase_en": {"type": ["string", "null"]},
    "next_try_phrase_ru": {"type": ["string", "null"]},
    "useful_phrase": {"type": ["string", "null"]},
    "useful_phrase_ru": {"type": ["string", "null"]}
  }
}`

const assessSchemaJSON = `{
  "type": "object",
  "required": ["criteria_scores"],
  "properties": {
    "criteria_scores": {
      "type": "object",
      "properties": {
        "fluency": {"type": "number"},
        "vocabulary_grammar": {"type": "number"},
        "pronunciation": {"type": "number"},
        "completeness": {"type": "number"},
        "dialogue_skills": {"type": "number"}
      }
    },
    "overall_score": {"type": "number"},
    "feedback": {
      "type": "object",
      "properties": {
        "strengths": {"type": "array", "items": {"type": "string"}},
        "improvements": {"type": "array", "items": {"type": "string"}},
        "summary": {"type": "string"},
        "goal_attainment": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "goal_id": {"type": "string"},
              "goal_label": {"type": "string"},
              "achieved": {"type": "boolean"},
              "evidence": {"type": "string"},
              "suggestion": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`
