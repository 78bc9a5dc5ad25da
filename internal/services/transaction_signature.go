package services

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// TransactionVerifier 签名交易验证器
// 验证事件源投递的 JWS 交易负载：证书链、ES256 签名、签发时间
type TransactionVerifier struct {
	certCache map[string]*x509.Certificate
	mutex     sync.RWMutex
}

// NewTransactionVerifier 创建新的交易验证器
func NewTransactionVerifier() *TransactionVerifier {
	return &TransactionVerifier{
		certCache: make(map[string]*x509.Certificate),
	}
}

// jwsHeader JWS 头部，携带证书链
type jwsHeader struct {
	Algorithm        string   `json:"alg"`
	CertificateChain []string `json:"x5c"`
}

// jwsTimestamps 负载中用于新鲜度检查的字段
type jwsTimestamps struct {
	SignedDate int64 `json:"signedDate"` // 毫秒时间戳
}

// VerifyTransaction 验证一条签名交易（JWS 三段式）
func (v *TransactionVerifier) VerifyTransaction(signedPayload string) error {
	if signedPayload == "" {
		return fmt.Errorf("empty signed payload")
	}

	parts := strings.Split(signedPayload, ".")
	if len(parts) != 3 {
		return fmt.Errorf("invalid JWS format: expected 3 parts, got %d", len(parts))
	}

	// 解析头部
	header, err := v.extractHeader(parts[0])
	if err != nil {
		return fmt.Errorf("failed to extract header: %w", err)
	}

	if header.Algorithm != "ES256" {
		return fmt.Errorf("unsupported JWS algorithm: %s", header.Algorithm)
	}

	// 获取证书链
	certChain, err := v.getCertificateChain(header.CertificateChain)
	if err != nil {
		return fmt.Errorf("failed to get certificate chain: %w", err)
	}

	// 验证证书链
	if err := v.verifyCertificateChain(certChain); err != nil {
		return fmt.Errorf("failed to verify certificate chain: %w", err)
	}

	// 验证签名
	if err := v.verifySignature(parts[0]+"."+parts[1], parts[2], certChain[0]); err != nil {
		return fmt.Errorf("failed to verify signature: %w", err)
	}

	// 验证签发时间
	if err := v.verifySignedDate(parts[1]); err != nil {
		return fmt.Errorf("failed to verify signed date: %w", err)
	}

	return nil
}

// extractHeader 解析 JWS 头部
func (v *TransactionVerifier) extractHeader(headerPart string) (*jwsHeader, error) {
	headerData, err := base64.RawURLEncoding.DecodeString(headerPart)
	if err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	var header jwsHeader
	if err := json.Unmarshal(headerData, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}

	if len(header.CertificateChain) == 0 {
		return nil, fmt.Errorf("missing x5c certificate chain")
	}

	return &header, nil
}

// getCertificateChain 获取证书链
func (v *TransactionVerifier) getCertificateChain(certChain []string) ([]*x509.Certificate, error) {
	var certificates []*x509.Certificate

	for _, certPEM := range certChain {
		// 检查缓存
		v.mutex.RLock()
		if cert, exists := v.certCache[certPEM]; exists {
			certificates = append(certificates, cert)
			v.mutex.RUnlock()
			continue
		}
		v.mutex.RUnlock()

		// 解析证书
		cert, err := v.parseCertificate(certPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}

		// 缓存证书
		v.mutex.Lock()
		v.certCache[certPEM] = cert
		v.mutex.Unlock()

		certificates = append(certificates, cert)
	}

	return certificates, nil
}

// parseCertificate 解析 PEM 格式的证书
func (v *TransactionVerifier) parseCertificate(certPEM string) (*x509.Certificate, error) {
	// 确保证书格式正确（添加 PEM 头尾）
	if !strings.HasPrefix(certPEM, "-----BEGIN CERTIFICATE-----") {
		certPEM = "-----BEGIN CERTIFICATE-----\n" + certPEM + "\n-----END CERTIFICATE-----"
	}

	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, nil
}

// verifyCertificateChain 验证证书链
func (v *TransactionVerifier) verifyCertificateChain(certChain []*x509.Certificate) error {
	if len(certChain) == 0 {
		return fmt.Errorf("empty certificate chain")
	}

	// 验证证书链中的每个证书
	for i, cert := range certChain {
		// 检查证书是否过期
		now := time.Now()
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("certificate %d is expired or not yet valid", i)
		}

		// 如果不是叶子证书，验证下级证书的签名
		if i > 0 {
			if err := certChain[i-1].CheckSignatureFrom(cert); err != nil {
				return fmt.Errorf("certificate %d signature verification failed: %w", i-1, err)
			}
		}
	}

	// 验证根证书是否为苹果证书
	rootCert := certChain[len(certChain)-1]
	if !v.isAppleRootCertificate(rootCert) {
		return fmt.Errorf("invalid root certificate: not from Apple")
	}

	return nil
}

// isAppleRootCertificate 检查是否为苹果根证书
func (v *TransactionVerifier) isAppleRootCertificate(cert *x509.Certificate) bool {
	// 检查证书的 Subject
	appleSubjects := []string{
		"Apple Root CA",
		"Apple Inc.",
		"Apple Computer, Inc.",
	}

	for _, subject := range appleSubjects {
		if strings.Contains(cert.Subject.String(), subject) {
			return true
		}
	}

	return false
}

// verifySignature 验证 ES256 签名
// signingInput 为 header.payload，signaturePart 为 JWS 第三段
func (v *TransactionVerifier) verifySignature(signingInput, signaturePart string, cert *x509.Certificate) error {
	// 解码签名
	signatureBytes, err := base64.RawURLEncoding.DecodeString(signaturePart)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	// 计算哈希
	hash := sha256.Sum256([]byte(signingInput))

	// 验证 ECDSA 签名
	publicKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate does not contain ECDSA public key")
	}

	// ES256 签名为 r||s 各32字节
	if len(signatureBytes) != 64 {
		return fmt.Errorf("invalid signature length: expected 64, got %d", len(signatureBytes))
	}

	rBig := new(big.Int).SetBytes(signatureBytes[:32])
	sBig := new(big.Int).SetBytes(signatureBytes[32:])

	if !ecdsa.Verify(publicKey, hash[:], rBig, sBig) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// verifySignedDate 验证签发时间
func (v *TransactionVerifier) verifySignedDate(payloadPart string) error {
	payloadData, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	var ts jwsTimestamps
	if err := json.Unmarshal(payloadData, &ts); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	// 未携带签发时间的老版本负载直接放行
	if ts.SignedDate == 0 {
		return nil
	}

	// 允许5分钟的时间差
	now := time.Now().UnixMilli()
	diff := (now - ts.SignedDate) / 1000
	if diff < -300 || diff > 300 {
		return fmt.Errorf("signed date is too old or too far in the future: %d seconds difference", diff)
	}

	return nil
}
