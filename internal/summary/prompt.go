package summary

import (
	"fmt"
	"strings"
)

const transcriptPlaceholder = "<<<TRANSCRIPT>>>"

const promptTemplate = `RÔLE: Tu es un secrétaire de réunion expert spécialisé dans le suivi de réunions professionnelles.
OBJECTIF: À partir de la transcription suivante, renvoie EXCLUSIVEMENT un JSON valide respectant exactement ce schéma :
{
  "title": string,
  "summary": {
    "context": string,
    "bullets": string[]
  },
  "actions": [{
    "who": string,
    "what": string,
    "due": string,
    "priority": string,
    "status": string,
    "confidence": number,
    "relatedSegments": [{"startMs": number, "endMs": number}]
  }],
  "decisions": [{
    "description": string,
    "owner": string,
    "timestampMs": number,
    "confidence": number
  }],
  "citations": [{
    "quote": string,
    "speaker": string,
    "startMs": number,
    "endMs": number
  }],
  "sentiments": [{
    "target": string,
    "value": string,
    "score": number
  }],
  "participants": [{
    "name": string,
    "role": string
  }],
  "tags": string[],
  "keywords": string[],
  "topics": string[],
  "timings": [{
    "label": string,
    "startMs": number,
    "endMs": number
  }],
  "durationMs": number
}
CONTRAINTES:
- utilise exclusivement le français,
- cite fidèlement les faits et chiffres,
- n'invente rien hors transcription,
- aucune prose hors JSON, pas de code block.
TRANSCRIPTION:
` + transcriptPlaceholder

// Prompt builds the instruction sent to the generative backend.
func Prompt(text string, durationMs int64) string {
	decorated := fmt.Sprintf("Durée estimée (ms): %d\n%s", durationMs, text)
	return strings.Replace(promptTemplate, transcriptPlaceholder, decorated, 1)
}
